// Package unreliable wraps the datagram primitives of a connection.
package unreliable

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/QYUbit/replicate/pkg/transport"
)

//go:generate mockgen -source=unreliable.go -destination=mock_conn_test.go -package=unreliable

var ErrConcurrentRecv = errors.New("concurrent datagram receives are not supported")

type DatagramConn interface {
	SendDatagram(b []byte) error
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	CloseWithError(code transport.ErrorCode, reason string) error
}

type result struct {
	b   []byte
	err error
}

// Datagrams sends and receives whole datagrams.
//
// At most one receive is outstanding on the connection. If a Recv call
// returns early because its context was cancelled, the receive keeps
// running and its datagram is returned by the next Recv call.
type Datagrams struct {
	conn DatagramConn

	recvMu  sync.Mutex
	pending chan result

	ctx    context.Context
	cancel context.CancelFunc
}

func New(conn DatagramConn) *Datagrams {
	ctx, cancel := context.WithCancel(context.Background())
	return &Datagrams{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Recv waits for the next datagram. It must not be called concurrently.
func (d *Datagrams) Recv(ctx context.Context) ([]byte, error) {
	if !d.recvMu.TryLock() {
		return nil, ErrConcurrentRecv
	}
	defer d.recvMu.Unlock()

	if d.pending == nil {
		ch := make(chan result, 1)
		d.pending = ch
		go func() {
			b, err := d.conn.ReceiveDatagram(d.ctx)
			ch <- result{b: b, err: err}
		}()
	}

	select {
	case r := <-d.pending:
		d.pending = nil
		if r.err != nil {
			return nil, fmt.Errorf("failed to receive datagram: %w", r.err)
		}
		return r.b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send transmits b without buffering. Delivery is not guaranteed.
func (d *Datagrams) Send(b []byte) error {
	if err := d.conn.SendDatagram(b); err != nil {
		return fmt.Errorf("failed to send datagram: %w", err)
	}
	return nil
}

// Flush is a no-op, sends are never buffered.
func (d *Datagrams) Flush() error {
	return nil
}

// Close stops the outstanding receive and closes the connection.
func (d *Datagrams) Close() error {
	d.cancel()
	return d.conn.CloseWithError(transport.CodeNoError, "datagrams closed")
}
