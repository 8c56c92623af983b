// Package client connects to a replicate server: the manager channel to
// create instances, and instances to replicate a DataModel.
package client

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/QYUbit/replicate/pkg/axlog"
	"github.com/QYUbit/replicate/pkg/certs"
	"github.com/QYUbit/replicate/pkg/framed"
	"github.com/QYUbit/replicate/pkg/transport"
	"github.com/QYUbit/replicate/pkg/transport/webtransport"
)

var ErrNoCertificateHash = errors.New("url does not pin a certificate hash")

// ConnState is the state of a connection to the server.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateHandshakeRequested
	StateHandshaked
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshakeRequested:
		return "handshake requested"
	case StateHandshaked:
		return "handshaked"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) load() ConnState { return ConnState(c.v.Load()) }
func (c *stateCell) set(s ConnState) { c.v.Store(int32(s)) }

// UnexpectedMessageError is returned when the server answers with a message
// other than the one the protocol requires.
type UnexpectedMessageError struct {
	Expected string
	Got      any
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("expected %s, got %T", e.Expected, e.Got)
}

type Config struct {
	// Dialer connects to the server. If nil, WebTransport is dialed and
	// only the certificate pinned by the URL fragment is trusted.
	Dialer transport.Dialer
	Codec  framed.Codec
	// Token is sent as bearer token, usually a did.Attestation token.
	Token string
	// TickInterval is the period of unreliable state pushes of an Instance.
	TickInterval time.Duration
	Logger       axlog.Logger
}

func (c Config) withDefaults() Config {
	if c.Codec == nil {
		c.Codec = framed.JSON
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	c.Logger = axlog.OrNop(c.Logger)
	return c
}

// PinnedDialer returns a WebTransport dialer that trusts the certificate
// whose hash is the fragment of rawURL.
func PinnedDialer(rawURL string) (transport.Dialer, error) {
	hash, err := PinnedHash(rawURL)
	if err != nil {
		return nil, err
	}
	return &webtransport.Dialer{TLSConfig: certs.PinnedTLSConfig(hash)}, nil
}

// PinnedHash decodes the certificate hash carried in the fragment of a
// server URL.
func PinnedHash(rawURL string) ([sha256.Size]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("invalid url: %w", err)
	}
	if u.Fragment == "" {
		return [sha256.Size]byte{}, ErrNoCertificateHash
	}
	return certs.DecodeHash(u.Fragment)
}

func dial(ctx context.Context, rawURL string, cfg Config) (transport.Conn, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		d, err := PinnedDialer(rawURL)
		if err != nil {
			return nil, err
		}
		dialer = d
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	u.Fragment, u.RawFragment = "", ""
	return dialer.Dial(ctx, u.String(), transport.BearerHeader(cfg.Token))
}

// closeOnCancel closes conn if ctx is done before the returned stop
// function is called.
func closeOnCancel(ctx context.Context, conn transport.Conn) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		conn.CloseWithError(transport.CodeNoError, "cancelled")
	})
}
