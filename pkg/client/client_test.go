package client

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/QYUbit/replicate/pkg/certs"
	"github.com/QYUbit/replicate/pkg/datamodel"
	"github.com/QYUbit/replicate/pkg/did"
	"github.com/QYUbit/replicate/pkg/entity"
	"github.com/QYUbit/replicate/pkg/framed"
	"github.com/QYUbit/replicate/pkg/ids"
	"github.com/QYUbit/replicate/pkg/instance"
	"github.com/QYUbit/replicate/pkg/messages/manager"
	"github.com/QYUbit/replicate/pkg/server"
	"github.com/QYUbit/replicate/pkg/transport"
	"github.com/QYUbit/replicate/pkg/transport/memtransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	host    = "replicate.test:443"
	timeout = 2 * time.Second
	poll    = 5 * time.Millisecond
)

type testServer struct {
	srv     *server.Server
	network *memtransport.Network
	stop    func()
}

func startServer(t *testing.T, requireAuth bool) *testServer {
	t.Helper()
	network := memtransport.NewNetwork()
	id, err := certs.SelfSigned("replicate.test")
	require.NoError(t, err)

	instances := instance.NewManager(instance.Config{TickInterval: 10 * time.Millisecond}, nil)
	srv, err := server.New(server.Config{
		Listener:        network.Listen(host),
		Certs:           certs.NewStore(id),
		SubjectAltNames: []string{"replicate.test"},
		Instances:       instances,
		RequireAuth:     requireAuth,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	ts := &testServer{srv: srv, network: network}
	ts.stop = func() {
		cancel()
		require.NoError(t, <-done)
		instances.Close()
	}
	t.Cleanup(func() {
		if ctx.Err() == nil {
			ts.stop()
		}
	})
	return ts
}

func (ts *testServer) config() Config {
	return Config{Dialer: ts.network.Dialer(), TickInterval: 10 * time.Millisecond}
}

func (ts *testServer) newInstance(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	m, err := ConnectManager(ctx, ts.srv.ManagerURL(), ts.config())
	require.NoError(t, err)
	defer m.Close()

	id, err := m.InstanceCreate(ctx)
	require.NoError(t, err)
	url, err := m.InstanceURL(ctx, id)
	require.NoError(t, err)
	return url
}

func (ts *testServer) join(t *testing.T, url string) *Instance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	i, err := ConnectInstance(ctx, url, ids.NewClientId(), ts.config())
	require.NoError(t, err)
	t.Cleanup(func() { i.Close() })
	return i
}

func state(s string) datamodel.State {
	return datamodel.MustState([]byte(s))
}

// eventually flushes i until cond holds.
func eventually(t *testing.T, i *Instance, cond func(dm *datamodel.DataModel) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if err := i.Flush(); err != nil {
			return false
		}
		return cond(i.DataModel())
	}, timeout, poll)
}

func only(t *testing.T, dm *datamodel.DataModel) (entity.Entity, datamodel.EntityData) {
	t.Helper()
	require.Equal(t, 1, dm.Len())
	for e, data := range dm.All() {
		return e, data
	}
	panic("unreachable")
}

func stateIs(e *entity.Entity, want string) func(dm *datamodel.DataModel) bool {
	return func(dm *datamodel.DataModel) bool {
		got, err := dm.Get(*e)
		return err == nil && string(got) == want
	}
}

func TestManager(t *testing.T) {
	ts := startServer(t, false)
	ctx := context.Background()

	m, err := ConnectManager(ctx, ts.srv.ManagerURL(), ts.config())
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, StateOpen, m.State())

	id, err := m.InstanceCreate(ctx)
	require.NoError(t, err)

	url, err := m.InstanceURL(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ts.srv.InstanceURL(id), url)
	assert.True(t, strings.HasPrefix(url, "https://replicate.test:443/instance/"+id.String()+"/#"), url)

	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())
	_, err = m.InstanceCreate(ctx)
	assert.ErrorContains(t, err, "manager connection is closed")
}

func TestReplication(t *testing.T) {
	ts := startServer(t, false)
	url := ts.newInstance(t)
	a := ts.join(t, url)
	b := ts.join(t, url)
	assert.NotEqual(t, a.Namespace(), b.Namespace())
	assert.Equal(t, StateOpen, a.State())

	// spawn
	ea := a.DataModel().Spawn(state("hello"))
	require.NoError(t, a.Flush())
	eventually(t, b, func(dm *datamodel.DataModel) bool { return dm.Len() == 1 })
	eb, data := only(t, b.DataModel())
	assert.Equal(t, state("hello"), data.State)
	assert.Equal(t, entity.Remote, eb.Idx.SpawnedBy())
	id, ok := b.DataModel().WireId(eb)
	require.True(t, ok)
	assert.Equal(t, entity.Id{Namespace: a.Namespace(), Idx: ea.Idx}, id)

	// unreliable update
	require.NoError(t, a.DataModel().Update(ea, state("unreliable")))
	require.NoError(t, a.Flush())
	eventually(t, b, stateIs(&eb, "unreliable"))

	// reliable update
	require.NoError(t, a.DataModel().UpdateReliable(ea, state("reliable")))
	require.NoError(t, a.Flush())
	eventually(t, b, stateIs(&eb, "reliable"))

	// an update of someone else's entity
	require.NoError(t, b.DataModel().UpdateReliable(eb, state("from b")))
	require.NoError(t, b.Flush())
	eventually(t, a, stateIs(&ea, "from b"))

	// despawn
	require.NoError(t, a.DataModel().Despawn(ea))
	require.NoError(t, a.Flush())
	eventually(t, b, func(dm *datamodel.DataModel) bool { return dm.Len() == 0 })
	_, err := b.DataModel().Get(eb)
	assert.ErrorIs(t, err, datamodel.ErrEntityNotPresent)
}

func TestLateJoinerAndLeave(t *testing.T) {
	ts := startServer(t, false)
	url := ts.newInstance(t)
	a := ts.join(t, url)

	a.DataModel().Spawn(state("one"))
	a.DataModel().Spawn(state("two"))
	require.NoError(t, a.Flush())

	b := ts.join(t, url)
	eventually(t, b, func(dm *datamodel.DataModel) bool { return dm.Len() == 2 })

	require.NoError(t, a.Close())
	eventually(t, b, func(dm *datamodel.DataModel) bool { return dm.Len() == 0 })
}

func TestSpawnThenUpdateBeforeFlush(t *testing.T) {
	ts := startServer(t, false)
	url := ts.newInstance(t)
	a := ts.join(t, url)
	b := ts.join(t, url)

	e := a.DataModel().Spawn(state("initial"))
	require.NoError(t, a.DataModel().Update(e, state("latest")))
	require.NoError(t, a.Flush())

	eventually(t, b, func(dm *datamodel.DataModel) bool { return dm.Len() == 1 })
	_, data := only(t, b.DataModel())
	assert.Equal(t, state("latest"), data.State)
}

func TestClose(t *testing.T) {
	ts := startServer(t, false)
	i := ts.join(t, ts.newInstance(t))

	require.NoError(t, i.Close())
	require.NoError(t, i.Close())

	assert.Equal(t, StateClosed, i.State())
	assert.NoError(t, i.Err())
	assert.ErrorIs(t, i.Flush(), ErrInstanceClosed)
}

func TestServerShutdownEndsInstance(t *testing.T) {
	ts := startServer(t, false)
	i := ts.join(t, ts.newInstance(t))

	ts.stop()

	select {
	case <-i.Done():
	case <-time.After(timeout):
		t.Fatal("instance connection still open after server shutdown")
	}
	assert.Error(t, i.Err())
	assert.ErrorIs(t, i.Flush(), ErrInstanceClosed)
}

func TestConnectUnknownInstance(t *testing.T) {
	ts := startServer(t, false)
	url := ts.srv.InstanceURL(ids.NewInstanceId())

	_, err := ConnectInstance(context.Background(), url, ids.NewClientId(), ts.config())
	assert.ErrorContains(t, err, "failed to connect to instance")
}

func TestRequireAuth(t *testing.T) {
	ts := startServer(t, true)
	ctx := context.Background()

	_, err := ConnectManager(ctx, ts.srv.ManagerURL(), ts.config())
	assert.ErrorContains(t, err, "failed to connect to manager")

	key, id, err := did.GenerateKey()
	require.NoError(t, err)
	cfg := ts.config()
	cfg.Token = did.New(id, key).Token()

	m, err := ConnectManager(ctx, ts.srv.ManagerURL(), cfg)
	require.NoError(t, err)
	defer m.Close()
	_, err = m.InstanceCreate(ctx)
	assert.NoError(t, err)
}

func TestManagerUnexpectedHandshakeResponse(t *testing.T) {
	network := memtransport.NewNetwork()
	l := network.Listen(host)
	defer l.Close()

	go func() {
		conn, _, err := l.Accept(context.Background())
		if err != nil {
			return
		}
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		f := framed.New[manager.ServerboundFrame, manager.ClientboundFrame](stream)
		if _, err := f.Recv(); err != nil {
			return
		}
		frame, _ := manager.WrapClientbound(manager.InstanceUrlResponse{Url: "nope"})
		f.SendFlush(frame)
	}()

	_, err := ConnectManager(context.Background(), "https://"+host+"/manager/", Config{Dialer: network.Dialer()})
	var unexpected *UnexpectedMessageError
	require.ErrorAs(t, err, &unexpected)
	assert.Equal(t, "HandshakeResponse", unexpected.Expected)
	assert.Equal(t, manager.InstanceUrlResponse{Url: "nope"}, unexpected.Got)
}

func TestPinnedDialer(t *testing.T) {
	_, err := PinnedDialer("https://localhost:1337/manager/")
	assert.ErrorIs(t, err, ErrNoCertificateHash)

	_, err = PinnedDialer("https://localhost:1337/manager/#AAAA")
	var lenErr *certs.HashLenError
	assert.ErrorAs(t, err, &lenErr)

	id, err := certs.SelfSigned("localhost")
	require.NoError(t, err)
	d, err := PinnedDialer("https://localhost:1337/manager/#" + id.HashString())
	require.NoError(t, err)
	assert.Implements(t, (*transport.Dialer)(nil), d)
}

func TestConnState(t *testing.T) {
	assert.Equal(t, "handshake requested", StateHandshakeRequested.String())
	assert.Equal(t, "ConnState(9)", ConnState(9).String())
}
