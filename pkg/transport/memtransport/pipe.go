package memtransport

import (
	"bytes"
	"io"
	"sync"
)

// pipe is an unbounded in-memory byte queue. Writes never block.
type pipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
	err    error
}

func newPipe() *pipe {
	p := &pipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.buf.Len() == 0 {
		if p.err != nil {
			return 0, p.err
		}
		if p.closed {
			return 0, io.EOF
		}
		p.cond.Wait()
	}
	return p.buf.Read(b)
}

func (p *pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return 0, p.err
	}
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	n, _ := p.buf.Write(b)
	p.cond.Broadcast()
	return n, nil
}

// close ends the stream gracefully: buffered data can still be read.
func (p *pipe) close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// abort discards buffered data and fails all further operations with err.
func (p *pipe) abort(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
		p.buf.Reset()
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

type stream struct {
	r *pipe
	w *pipe
}

func (s *stream) Read(b []byte) (int, error)  { return s.r.Read(b) }
func (s *stream) Write(b []byte) (int, error) { return s.w.Write(b) }

// Close closes the sending side only.
func (s *stream) Close() error {
	s.w.close()
	return nil
}
