// Package framed turns a byte stream into a stream of typed messages.
//
// Every message is encoded with a Codec and prefixed with its length as a
// 4 byte big endian integer.
package framed

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	headerLen = 4
	// DefaultMaxFrameLen limits the payload of a single frame.
	DefaultMaxFrameLen = 8 * 1024 * 1024
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum length")

// FrameError reports a malformed frame. The connection cannot be used
// after it.
type FrameError struct {
	Op  string
	Err error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed frame (%s): %v", e.Op, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

type Option func(*options)

type options struct {
	codec       Codec
	maxFrameLen int
}

func WithCodec(c Codec) Option {
	return func(o *options) { o.codec = c }
}

func WithMaxFrameLen(n int) Option {
	return func(o *options) { o.maxFrameLen = n }
}

// Framed sends messages of type Out and receives messages of type In over
// an io.ReadWriter.
//
// Sending and receiving may happen on different goroutines, but each side
// must only be used by one goroutine at a time.
type Framed[In, Out any] struct {
	rw     io.ReadWriter
	r      *bufio.Reader
	w      *bufio.Writer
	codec  Codec
	maxLen int
}

func New[In, Out any](rw io.ReadWriter, opts ...Option) *Framed[In, Out] {
	o := options{codec: JSON, maxFrameLen: DefaultMaxFrameLen}
	for _, opt := range opts {
		opt(&o)
	}
	return &Framed[In, Out]{
		rw:     rw,
		r:      bufio.NewReader(rw),
		w:      bufio.NewWriter(rw),
		codec:  o.codec,
		maxLen: o.maxFrameLen,
	}
}

// Send buffers msg. It is only guaranteed to be written after Flush.
func (f *Framed[In, Out]) Send(msg Out) error {
	payload, err := f.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if len(payload) > f.maxLen {
		return ErrFrameTooLarge
	}

	var header [headerLen]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := f.w.Write(header[:]); err != nil {
		return err
	}
	_, err = f.w.Write(payload)
	return err
}

func (f *Framed[In, Out]) Flush() error {
	return f.w.Flush()
}

// SendFlush sends msg and flushes it.
func (f *Framed[In, Out]) SendFlush(msg Out) error {
	if err := f.Send(msg); err != nil {
		return err
	}
	return f.Flush()
}

// Recv reads the next message. It returns io.EOF if the stream ended
// cleanly between two frames and a *FrameError for anything else that is
// not an I/O error.
func (f *Framed[In, Out]) Recv() (In, error) {
	var msg In

	var header [headerLen]byte
	if _, err := io.ReadFull(f.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return msg, &FrameError{Op: "header", Err: err}
		}
		return msg, err
	}

	n := binary.BigEndian.Uint32(header[:])
	if uint64(n) > uint64(f.maxLen) {
		return msg, &FrameError{Op: "header", Err: ErrFrameTooLarge}
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return msg, &FrameError{Op: "payload", Err: err}
	}

	if err := f.codec.Unmarshal(payload, &msg); err != nil {
		return msg, &FrameError{Op: "decode", Err: err}
	}
	return msg, nil
}

// Close closes the underlying stream if it is an io.Closer.
func (f *Framed[In, Out]) Close() error {
	if c, ok := f.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (f *Framed[In, Out]) String() string {
	return fmt.Sprintf("Framed(%s)", f.codec.Name())
}
