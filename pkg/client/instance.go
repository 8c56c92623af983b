package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/QYUbit/replicate/pkg/axlog"
	"github.com/QYUbit/replicate/pkg/datamodel"
	"github.com/QYUbit/replicate/pkg/entity"
	"github.com/QYUbit/replicate/pkg/framed"
	"github.com/QYUbit/replicate/pkg/ids"
	wire "github.com/QYUbit/replicate/pkg/messages/instance"
	"github.com/QYUbit/replicate/pkg/transport"
	"github.com/QYUbit/replicate/pkg/unreliable"
)

var ErrInstanceClosed = errors.New("instance connection is closed")

type instanceFramed = framed.Framed[wire.ClientboundFrame, wire.ServerboundFrame]

// Instance is a connection to an instance, replicating its DataModel.
//
// The DataModel belongs to the goroutine running the simulation and is not
// safe for concurrent use. A separate network goroutine owns the
// connection. The two only exchange self-contained changes during Flush.
type Instance struct {
	cfg      Config
	clientId ids.ClientId
	ns       entity.Namespace
	dm       *datamodel.DataModel
	conn     transport.Conn
	state    stateCell
	logger   axlog.Logger

	flushReq chan chan *datamodel.RemoteChanges
	local    chan *datamodel.LocalChanges

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	// written by the network goroutine before done is closed
	err error
}

// ConnectInstance dials an instance URL, performs the handshake and starts
// the network goroutine.
func ConnectInstance(ctx context.Context, url string, clientId ids.ClientId, cfg Config) (*Instance, error) {
	cfg = cfg.withDefaults()
	i := &Instance{
		cfg:      cfg,
		clientId: clientId,
		logger:   axlog.With(cfg.Logger, "client", clientId),
		flushReq: make(chan chan *datamodel.RemoteChanges),
		local:    make(chan *datamodel.LocalChanges),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	i.state.set(StateConnecting)

	conn, err := dial(ctx, url, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to instance: %w", err)
	}
	i.conn = conn

	stop := closeOnCancel(ctx, conn)
	f, err := i.handshake(ctx)
	stop()
	if err != nil {
		i.state.set(StateClosed)
		conn.CloseWithError(transport.CodeProtocolViolation, "handshake failed")
		return nil, fmt.Errorf("failed to connect to instance: %w", err)
	}

	i.dm = datamodel.New(i.ns)
	i.logger = axlog.With(i.logger, "namespace", i.ns)
	i.state.set(StateOpen)

	dgrams := unreliable.New(conn)
	n := newNetwork(i, f, dgrams)
	go n.run()

	i.logger.Debug("connected to instance", "remote", conn.RemoteAddr())
	return i, nil
}

func (i *Instance) handshake(ctx context.Context) (*instanceFramed, error) {
	stream, err := i.conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	f := framed.New[wire.ClientboundFrame, wire.ServerboundFrame](stream, framed.WithCodec(i.cfg.Codec))

	frame, err := wire.WrapServerbound(wire.HandshakeRequest{ClientId: i.clientId})
	if err != nil {
		return nil, err
	}
	if err := f.SendFlush(frame); err != nil {
		return nil, fmt.Errorf("failed to send handshake request: %w", err)
	}
	i.state.set(StateHandshakeRequested)

	resp, err := f.Recv()
	if err != nil {
		return nil, fmt.Errorf("failed to receive handshake response: %w", err)
	}
	msg, err := resp.Unwrap()
	if err != nil {
		return nil, fmt.Errorf("failed to receive handshake response: %w", err)
	}
	hs, ok := msg.(wire.HandshakeResponse)
	if !ok {
		return nil, &UnexpectedMessageError{Expected: "HandshakeResponse", Got: msg}
	}

	i.ns = hs.Namespace
	i.state.set(StateHandshaked)
	return f, nil
}

// DataModel returns the replicated data. It must only be used by one
// goroutine at a time, the same one that calls Flush.
func (i *Instance) DataModel() *datamodel.DataModel {
	return i.dm
}

// Namespace is the namespace the server assigned to this client.
func (i *Instance) Namespace() entity.Namespace {
	return i.ns
}

func (i *Instance) ClientId() ids.ClientId {
	return i.clientId
}

func (i *Instance) State() ConnState {
	return i.state.load()
}

// Flush applies the changes received since the previous Flush to the
// DataModel and hands the local changes to the network goroutine.
func (i *Instance) Flush() error {
	reply := make(chan *datamodel.RemoteChanges, 1)
	select {
	case i.flushReq <- reply:
	case <-i.done:
		return i.closedErr()
	}

	var remote *datamodel.RemoteChanges
	select {
	case remote = <-reply:
	case <-i.done:
		return i.closedErr()
	}

	local := datamodel.NewLocalChanges()
	i.dm.Flush(remote, local)
	if local.IsEmpty() {
		return nil
	}

	select {
	case i.local <- local:
		return nil
	case <-i.done:
		return i.closedErr()
	}
}

// Done is closed once the network goroutine has stopped.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Err returns why the connection ended, or nil while it is open or after
// Close.
func (i *Instance) Err() error {
	select {
	case <-i.done:
		return i.err
	default:
		return nil
	}
}

func (i *Instance) closedErr() error {
	if i.err != nil {
		return fmt.Errorf("%w: %w", ErrInstanceClosed, i.err)
	}
	return ErrInstanceClosed
}

// Close stops the network goroutine and closes the connection. Changes that
// were flushed but not yet sent may be lost.
func (i *Instance) Close() error {
	i.stopOnce.Do(func() {
		close(i.stop)
	})
	<-i.done
	return nil
}
