// Package webtransport implements transport.Listener and transport.Dialer
// using the WebTransport protocol, so that browsers can connect as well.
package webtransport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/QYUbit/replicate/pkg/transport"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

var ErrTransportNotInitialized = errors.New("webtransport listener has not been initialized")

type accepted struct {
	conn *Conn
	req  *transport.Request
}

// Listener accepts WebTransport sessions on any path. The path of the
// upgrade request is reported in the transport.Request.
type Listener struct {
	address string
	server  *webtransport.Server
	pconn   net.PacketConn

	connQueue chan accepted
	done      chan struct{}
	closeOnce sync.Once
	// set before done is closed
	serveErr error
}

func NewListener(addr string, tlsCfg *tls.Config, quicCfg *quic.Config) *Listener {
	if quicCfg == nil {
		quicCfg = &quic.Config{}
	}
	quicCfg = quicCfg.Clone()
	quicCfg.EnableDatagrams = true

	l := &Listener{
		address:   addr,
		connQueue: make(chan accepted),
		done:      make(chan struct{}),
	}

	l.server = &webtransport.Server{
		H3: http3.Server{
			Addr:       addr,
			TLSConfig:  http3.ConfigureTLSConfig(tlsCfg),
			QUICConfig: quicCfg,
			Handler:    http.HandlerFunc(l.handleUpgrade),
		},
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return l
}

func (l *Listener) Listen() error {
	pconn, err := net.ListenPacket("udp", l.address)
	if err != nil {
		return err
	}
	l.pconn = pconn

	go func() {
		l.closeWithError(l.server.Serve(pconn))
	}()
	return nil
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	session, err := l.server.Upgrade(w, r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	a := accepted{
		conn: &Conn{session: session},
		req: &transport.Request{
			Path:       r.URL.Path,
			Header:     r.Header.Clone(),
			RemoteAddr: session.RemoteAddr(),
			ClientIP:   getAddress(r),
		},
	}

	select {
	case l.connQueue <- a:
	case <-l.done:
		session.CloseWithError(webtransport.SessionErrorCode(transport.CodeShutdown), "server closing")
		return
	case <-r.Context().Done():
		return
	}

	<-session.Context().Done()
}

func getAddress(r *http.Request) string {
	xRealIP := r.Header.Get("X-Real-IP")
	if xRealIP != "" {
		if ip := net.ParseIP(xRealIP); ip != nil {
			return xRealIP
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (l *Listener) Accept(ctx context.Context) (transport.Conn, *transport.Request, error) {
	if l.pconn == nil {
		return nil, nil, ErrTransportNotInitialized
	}

	select {
	case a := <-l.connQueue:
		return a.conn, a.req, nil
	case <-l.done:
		if l.serveErr != nil {
			return nil, nil, l.serveErr
		}
		return nil, nil, transport.ErrTransportClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (l *Listener) Addr() net.Addr {
	if l.pconn == nil {
		return transport.EmptyAddr
	}
	return l.pconn.LocalAddr()
}

func (l *Listener) Close() error {
	return l.closeWithError(nil)
}

// closeWithError records why serving stopped before done is closed, so
// Accept can report it.
func (l *Listener) closeWithError(cause error) error {
	var err error
	l.closeOnce.Do(func() {
		if cause != nil && !errors.Is(cause, http.ErrServerClosed) {
			l.serveErr = cause
		}
		close(l.done)
		err = l.server.Close()
		if l.pconn != nil {
			l.pconn.Close()
		}
	})
	return err
}

type Dialer struct {
	TLSConfig  *tls.Config
	QUICConfig *quic.Config
}

func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
	quicCfg := d.QUICConfig
	if quicCfg == nil {
		quicCfg = &quic.Config{}
	}
	quicCfg = quicCfg.Clone()
	quicCfg.EnableDatagrams = true

	dialer := webtransport.Dialer{
		TLSClientConfig: d.TLSConfig,
		QUICConfig:      quicCfg,
	}

	// The session owns the CONNECT stream, closing the response body would
	// end it.
	_, session, err := dialer.Dial(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return &Conn{session: session}, nil
}

// Conn adapts a *webtransport.Session to transport.Conn.
type Conn struct {
	session *webtransport.Session
}

func (c *Conn) OpenStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.session.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.session.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Conn) SendDatagram(b []byte) error {
	return c.session.SendDatagram(b)
}

func (c *Conn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.session.ReceiveDatagram(ctx)
}

func (c *Conn) CloseWithError(code transport.ErrorCode, reason string) error {
	return c.session.CloseWithError(webtransport.SessionErrorCode(code), reason)
}

func (c *Conn) Context() context.Context {
	return c.session.Context()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.session.RemoteAddr()
}
