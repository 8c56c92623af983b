// Package transport abstracts connections that offer reliable
// bidirectional streams and unreliable datagrams.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
)

// MaxDatagramSize is a conservative payload size that fits into a single
// datagram on common paths.
const MaxDatagramSize = 1200

var (
	ErrTransportClosed = errors.New("transport is closed")
	ErrUnknownPath     = errors.New("unknown path")
)

// ErrorCode is an application level close code.
type ErrorCode uint32

const (
	CodeNoError ErrorCode = iota
	CodeProtocolViolation
	CodeUnauthorized
	CodeNotFound
	CodeShutdown
	CodeInternal
)

// Stream is a reliable, ordered bidirectional byte stream. Close closes the
// sending side.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

type Conn interface {
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	SendDatagram(b []byte) error
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	CloseWithError(code ErrorCode, reason string) error
	// Context is cancelled once the connection is closed.
	Context() context.Context
	RemoteAddr() net.Addr
}

// Request describes how an incoming connection was established.
type Request struct {
	Path       string
	Header     http.Header
	RemoteAddr net.Addr
	// ClientIP honors proxy headers where the transport supports them.
	ClientIP string
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func (r *Request) BearerToken() (string, bool) {
	if r.Header == nil {
		return "", false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// BearerHeader builds the request header carrying token. An empty token
// yields an empty header.
func BearerHeader(token string) http.Header {
	h := make(http.Header)
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

type Listener interface {
	Accept(ctx context.Context) (Conn, *Request, error)
	Addr() net.Addr
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

type emptyAddr struct{}

func (emptyAddr) Network() string { return "none" }
func (emptyAddr) String() string  { return "uninitialized" }

// EmptyAddr is returned by listeners that are not listening yet.
var EmptyAddr net.Addr = emptyAddr{}
