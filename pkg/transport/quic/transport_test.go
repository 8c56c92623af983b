package quic_test

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/QYUbit/replicate/pkg/certs"
	"github.com/QYUbit/replicate/pkg/client"
	"github.com/QYUbit/replicate/pkg/instance"
	"github.com/QYUbit/replicate/pkg/server"
	"github.com/QYUbit/replicate/pkg/transport"
	rquic "github.com/QYUbit/replicate/pkg/transport/quic"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const timeout = 5 * time.Second

func listen(t *testing.T) (*rquic.Listener, *certs.Store) {
	t.Helper()
	id, err := certs.SelfSigned("127.0.0.1")
	require.NoError(t, err)
	store := certs.NewStore(id)
	l := rquic.NewListener("127.0.0.1:0", store.TLSConfig(), nil)
	require.NoError(t, l.Listen())
	return l, store
}

func TestLoopbackManager(t *testing.T) {
	l, store := listen(t)
	instances := instance.NewManager(instance.Config{}, nil)
	defer instances.Close()
	srv, err := server.New(server.Config{
		Listener:        l,
		Certs:           store,
		SubjectAltNames: []string{"127.0.0.1"},
		Instances:       instances,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	hash, err := client.PinnedHash(srv.ManagerURL())
	require.NoError(t, err)
	cfg := client.Config{Dialer: &rquic.Dialer{TLSConfig: certs.PinnedTLSConfig(hash)}}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), timeout)
	defer dialCancel()
	m, err := client.ConnectManager(dialCtx, srv.ManagerURL(), cfg)
	require.NoError(t, err)
	defer m.Close()

	id, err := m.InstanceCreate(dialCtx)
	require.NoError(t, err)
	url, err := m.InstanceURL(dialCtx, id)
	require.NoError(t, err)
	assert.Equal(t, srv.InstanceURL(id), url)
}

func TestSilentPeersDoNotBlockAccept(t *testing.T) {
	l, store := listen(t)
	defer l.Close()
	addr := l.Addr().String()
	hash := store.Current().Hash

	// Peers that finish the QUIC handshake but never send a preamble.
	for range 3 {
		tlsCfg := certs.PinnedTLSConfig(hash)
		tlsCfg.NextProtos = []string{rquic.NextProto}
		qc, err := quic.DialAddr(context.Background(), addr, tlsCfg, rquic.DefaultConfig())
		require.NoError(t, err)
		defer qc.CloseWithError(0, "")
	}

	type result struct {
		conn transport.Conn
		err  error
	}
	dialed := make(chan result, 1)
	go func() {
		d := &rquic.Dialer{TLSConfig: certs.PinnedTLSConfig(hash)}
		conn, err := d.Dial(context.Background(), "https://"+addr+"/manager/", nil)
		dialed <- result{conn: conn, err: err}
	}()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	conn, req, err := l.Accept(ctx)
	require.NoError(t, err)
	defer conn.CloseWithError(transport.CodeNoError, "")

	assert.Equal(t, "/manager/", req.Path)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	r := <-dialed
	require.NoError(t, r.err)
	r.conn.CloseWithError(transport.CodeNoError, "")
}

func TestAcceptAfterClose(t *testing.T) {
	l := rquic.NewListener("127.0.0.1:0", &tls.Config{}, nil)
	_, _, err := l.Accept(context.Background())
	assert.ErrorIs(t, err, rquic.ErrTransportNotInitialized)

	l, _ = listen(t)
	require.NoError(t, l.Close())
	_, _, err = l.Accept(context.Background())
	assert.ErrorIs(t, err, transport.ErrTransportClosed)
}
