// Package memtransport is an in-memory transport for tests and local
// simulations. Datagrams are dropped when the receiver falls behind, like
// on a real network.
package memtransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/QYUbit/replicate/pkg/transport"
)

const datagramQueueLen = 64

var ErrNoListener = errors.New("no listener at address")

// CloseError is returned by operations on a closed connection.
type CloseError struct {
	Code   transport.ErrorCode
	Reason string
	Remote bool
}

func (e *CloseError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	return fmt.Sprintf("connection closed by %s peer (code %d): %s", side, e.Code, e.Reason)
}

type addr string

func (a addr) Network() string { return "mem" }
func (a addr) String() string  { return string(a) }

// Network connects dialers and listeners by host name.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*Listener
	nextPort  int
}

func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*Listener)}
}

// Listen registers a listener for host, which is used as the host part of
// URLs dialed on this network.
func (n *Network) Listen(host string) *Listener {
	n.mu.Lock()
	defer n.mu.Unlock()

	l := &Listener{
		network: n,
		host:    host,
		queue:   make(chan accepted, 16),
		done:    make(chan struct{}),
	}
	n.listeners[host] = l
	return l
}

func (n *Network) Dialer() transport.Dialer {
	return dialer{network: n}
}

type accepted struct {
	conn *Conn
	req  *transport.Request
}

type Listener struct {
	network   *Network
	host      string
	queue     chan accepted
	done      chan struct{}
	closeOnce sync.Once
}

func (l *Listener) Accept(ctx context.Context) (transport.Conn, *transport.Request, error) {
	select {
	case a := <-l.queue:
		return a.conn, a.req, nil
	case <-l.done:
		return nil, nil, transport.ErrTransportClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (l *Listener) Addr() net.Addr {
	return addr(l.host)
}

func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.network.mu.Lock()
		if l.network.listeners[l.host] == l {
			delete(l.network.listeners, l.host)
		}
		l.network.mu.Unlock()
		close(l.done)
	})
	return nil
}

type dialer struct {
	network *Network
}

func (d dialer) Dial(ctx context.Context, rawURL string, header http.Header) (transport.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	d.network.mu.Lock()
	l, ok := d.network.listeners[u.Host]
	d.network.nextPort++
	port := d.network.nextPort
	d.network.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoListener, u.Host)
	}

	client, server := Pair(addr(fmt.Sprintf("client:%d", port)), addr(u.Host))
	req := &transport.Request{
		Path:       u.Path,
		Header:     header.Clone(),
		RemoteAddr: client.LocalAddr(),
		ClientIP:   client.LocalAddr().String(),
	}

	select {
	case l.queue <- accepted{conn: server, req: req}:
		return client, nil
	case <-l.done:
		return nil, fmt.Errorf("%w: %s", ErrNoListener, u.Host)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Conn is one end of an in-memory connection.
type Conn struct {
	local, remote net.Addr
	peer          *Conn

	streams   chan transport.Stream
	datagrams chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closeErr *CloseError
	pipes    []*pipe
}

// Pair returns two connected ends.
func Pair(aAddr, bAddr net.Addr) (*Conn, *Conn) {
	a := newConn(aAddr, bAddr)
	b := newConn(bAddr, aAddr)
	a.peer, b.peer = b, a
	return a, b
}

func newConn(local, remote net.Addr) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		local:     local,
		remote:    remote,
		streams:   make(chan transport.Stream, 16),
		datagrams: make(chan []byte, datagramQueueLen),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Conn) OpenStream(ctx context.Context) (transport.Stream, error) {
	if err := c.err(); err != nil {
		return nil, err
	}

	up, down := newPipe(), newPipe()
	c.track(up, down)
	c.peer.track(up, down)

	select {
	case c.peer.streams <- &stream{r: up, w: down}:
		return &stream{r: down, w: up}, nil
	case <-c.ctx.Done():
		return nil, c.err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.streams:
		return s, nil
	case <-c.ctx.Done():
		return nil, c.err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) SendDatagram(b []byte) error {
	if err := c.err(); err != nil {
		return err
	}
	if len(b) > transport.MaxDatagramSize {
		return fmt.Errorf("datagram of %d bytes exceeds maximum size", len(b))
	}
	msg := append([]byte(nil), b...)
	select {
	case c.peer.datagrams <- msg:
	default:
	}
	return nil
}

func (c *Conn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.datagrams:
		return b, nil
	case <-c.ctx.Done():
		return nil, c.err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) CloseWithError(code transport.ErrorCode, reason string) error {
	c.shutdown(&CloseError{Code: code, Reason: reason})
	c.peer.shutdown(&CloseError{Code: code, Reason: reason, Remote: true})
	return nil
}

func (c *Conn) shutdown(err *CloseError) {
	c.mu.Lock()
	if c.closeErr != nil {
		c.mu.Unlock()
		return
	}
	c.closeErr = err
	pipes := c.pipes
	c.pipes = nil
	c.mu.Unlock()

	for _, p := range pipes {
		p.abort(err)
	}
	c.cancel()
}

func (c *Conn) track(pipes ...*pipe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		for _, p := range pipes {
			p.abort(c.closeErr)
		}
		return
	}
	c.pipes = append(c.pipes, pipes...)
}

func (c *Conn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr == nil {
		return nil
	}
	return c.closeErr
}

func (c *Conn) Context() context.Context { return c.ctx }
func (c *Conn) RemoteAddr() net.Addr      { return c.remote }
func (c *Conn) LocalAddr() net.Addr       { return c.local }
