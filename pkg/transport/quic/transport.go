// Package quic implements transport.Listener and transport.Dialer on raw
// QUIC connections using quic-go.
//
// Since QUIC has no notion of request paths or headers, the dialing side
// opens a preamble stream first, carrying the path and header of the
// request as a single frame.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/QYUbit/replicate/pkg/framed"
	"github.com/QYUbit/replicate/pkg/transport"
	"github.com/quic-go/quic-go"
)

// NextProto is the ALPN protocol negotiated by this transport.
const NextProto = "replicate-quic"

const preambleTimeout = time.Second

var ErrTransportNotInitialized = errors.New("quic transport has not been initialized")

type preamble struct {
	Path   string      `json:"path"`
	Header http.Header `json:"header,omitempty"`
}

// DefaultConfig returns a quic.Config with datagrams enabled.
func DefaultConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

type accepted struct {
	conn *Conn
	req  *transport.Request
}

// Listener accepts QUIC connections. Preambles are read concurrently, so a
// peer that never sends one does not hold up the others.
type Listener struct {
	address  string
	tlsCfg   *tls.Config
	quicCfg  *quic.Config
	listener *quic.Listener

	connQueue chan accepted
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	// set before done is closed
	acceptErr error
}

func NewListener(addr string, tlsCfg *tls.Config, quicCfg *quic.Config) *Listener {
	if quicCfg == nil {
		quicCfg = DefaultConfig()
	}
	tlsCfg = tlsCfg.Clone()
	tlsCfg.NextProtos = []string{NextProto}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		address:   addr,
		tlsCfg:    tlsCfg,
		quicCfg:   quicCfg,
		connQueue: make(chan accepted),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (l *Listener) Listen() error {
	ql, err := quic.ListenAddr(l.address, l.tlsCfg, l.quicCfg)
	if err != nil {
		return err
	}
	l.listener = ql
	go l.acceptLoop()
	return nil
}

func (l *Listener) acceptLoop() {
	for {
		qc, err := l.listener.Accept(l.ctx)
		if err != nil {
			l.closeWithError(err)
			return
		}
		go l.handshake(qc)
	}
}

// handshake reads the preamble of qc and hands the connection to Accept.
// Connections that fail to send a preamble in time are closed.
func (l *Listener) handshake(qc *quic.Conn) {
	req, err := readPreamble(l.ctx, qc)
	if err != nil {
		qc.CloseWithError(quic.ApplicationErrorCode(transport.CodeProtocolViolation), "missing preamble")
		return
	}

	select {
	case l.connQueue <- accepted{conn: &Conn{conn: qc}, req: req}:
	case <-l.done:
		qc.CloseWithError(quic.ApplicationErrorCode(transport.CodeShutdown), "server closing")
	}
}

// Accept waits for the next connection whose preamble has been read.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, *transport.Request, error) {
	if l.listener == nil {
		return nil, nil, ErrTransportNotInitialized
	}

	select {
	case a := <-l.connQueue:
		return a.conn, a.req, nil
	case <-l.done:
		if l.acceptErr != nil {
			return nil, nil, l.acceptErr
		}
		return nil, nil, transport.ErrTransportClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func readPreamble(ctx context.Context, qc *quic.Conn) (*transport.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, preambleTimeout)
	defer cancel()

	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	stream.SetReadDeadline(time.Now().Add(preambleTimeout))
	p, err := framed.New[preamble, preamble](stream).Recv()
	if err != nil {
		return nil, fmt.Errorf("failed to read preamble: %w", err)
	}
	return &transport.Request{
		Path:       p.Path,
		Header:     p.Header,
		RemoteAddr: qc.RemoteAddr(),
	}, nil
}

func (l *Listener) closeWithError(cause error) error {
	var err error
	l.closeOnce.Do(func() {
		if cause != nil && !errors.Is(cause, quic.ErrServerClosed) && !errors.Is(cause, context.Canceled) {
			l.acceptErr = cause
		}
		l.cancel()
		close(l.done)
		err = l.listener.Close()
	})
	return err
}

func (l *Listener) Close() error {
	if l.listener == nil {
		return ErrTransportNotInitialized
	}
	return l.closeWithError(nil)
}

func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return transport.EmptyAddr
	}
	return l.listener.Addr()
}

type Dialer struct {
	TLSConfig  *tls.Config
	QUICConfig *quic.Config
}

// Dial connects to the host of rawURL and sends its path and header as the
// preamble.
func (d *Dialer) Dial(ctx context.Context, rawURL string, header http.Header) (transport.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	var tlsCfg *tls.Config
	if d.TLSConfig != nil {
		tlsCfg = d.TLSConfig.Clone()
	} else {
		tlsCfg = &tls.Config{}
	}
	tlsCfg.NextProtos = []string{NextProto}
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = u.Hostname()
	}

	quicCfg := d.QUICConfig
	if quicCfg == nil {
		quicCfg = DefaultConfig()
	}

	qc, err := quic.DialAddr(ctx, u.Host, tlsCfg, quicCfg)
	if err != nil {
		return nil, err
	}

	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		qc.CloseWithError(0, "")
		return nil, err
	}
	if err := framed.New[preamble, preamble](stream).SendFlush(preamble{Path: u.Path, Header: header}); err != nil {
		qc.CloseWithError(0, "")
		return nil, fmt.Errorf("failed to send preamble: %w", err)
	}
	stream.Close()

	return &Conn{conn: qc}, nil
}

// Conn adapts a *quic.Conn to transport.Conn.
type Conn struct {
	conn *quic.Conn
}

func (c *Conn) OpenStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Conn) SendDatagram(b []byte) error {
	return c.conn.SendDatagram(b)
}

func (c *Conn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.conn.ReceiveDatagram(ctx)
}

func (c *Conn) CloseWithError(code transport.ErrorCode, reason string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (c *Conn) Context() context.Context {
	return c.conn.Context()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
