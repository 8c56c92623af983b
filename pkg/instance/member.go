package instance

import (
	"sync"

	"github.com/QYUbit/replicate/pkg/axlog"
	"github.com/QYUbit/replicate/pkg/entity"
	"github.com/QYUbit/replicate/pkg/ids"
	wire "github.com/QYUbit/replicate/pkg/messages/instance"
	"github.com/QYUbit/replicate/pkg/priority"
	"github.com/QYUbit/replicate/pkg/transport"
	"github.com/QYUbit/replicate/pkg/unreliable"
)

// member is one client connected to an instance.
type member struct {
	ns       entity.Namespace
	clientId ids.ClientId
	conn     transport.Conn
	dgrams   *unreliable.Datagrams
	logger   axlog.Logger

	outbound chan wire.Clientbound

	// Guarded by Instance.mu.
	dirty    map[entity.Id]struct{}
	sched    *priority.Scheduler[entity.Id]
	primed   bool
	sendSeq  uint32
	recvSeq  uint32
	received bool

	closeOnce sync.Once
}

func newMember(ns entity.Namespace, clientId ids.ClientId, conn transport.Conn, queueLen int, logger axlog.Logger) *member {
	return &member{
		ns:       ns,
		clientId: clientId,
		conn:     conn,
		dgrams:   unreliable.New(conn),
		logger:   axlog.With(logger, "namespace", ns, "client", clientId),
		outbound: make(chan wire.Clientbound, queueLen),
		dirty:    make(map[entity.Id]struct{}),
		sched:    priority.NewScheduler[entity.Id](),
	}
}

// push queues msg for the writer without blocking.
func (m *member) push(msg wire.Clientbound) bool {
	select {
	case m.outbound <- msg:
		return true
	default:
		return false
	}
}

func (m *member) forget(id entity.Id) {
	delete(m.dirty, id)
	m.sched.Forget(id)
}

func (m *member) close(code transport.ErrorCode, reason string) {
	m.closeOnce.Do(func() {
		if err := m.conn.CloseWithError(code, reason); err != nil {
			m.logger.Debug("failed to close connection", "error", err)
		}
	})
}

// closed reports whether the connection is gone, for either side's reasons.
func (m *member) closed() bool {
	return m.conn.Context().Err() != nil
}
