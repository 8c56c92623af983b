// Package server accepts client connections and routes them to the manager
// channel or to the instance they address.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/QYUbit/replicate/pkg/axlog"
	"github.com/QYUbit/replicate/pkg/certs"
	"github.com/QYUbit/replicate/pkg/did"
	"github.com/QYUbit/replicate/pkg/framed"
	"github.com/QYUbit/replicate/pkg/ids"
	"github.com/QYUbit/replicate/pkg/instance"
	"github.com/QYUbit/replicate/pkg/transport"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	// Listener accepts connections. The server closes it when Run returns.
	Listener transport.Listener
	// Certs holds the identity presented by Listener. Its hash is part of
	// every server URL.
	Certs *certs.Store
	// SubjectAltNames are used for refreshed certificates. The first one is
	// the host of server URLs.
	SubjectAltNames     []string
	CertRefreshInterval time.Duration

	Instances *instance.Manager
	Codec     framed.Codec
	// RequireAuth rejects connections without a valid DID bearer token.
	RequireAuth bool
	Logger      axlog.Logger
}

type Server struct {
	cfg    Config
	logger axlog.Logger

	wg      sync.WaitGroup
	running atomic.Bool
}

func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Listener == nil:
		return nil, errors.New("server requires a listener")
	case cfg.Certs == nil || cfg.Certs.Current() == nil:
		return nil, errors.New("server requires a certificate")
	case cfg.Instances == nil:
		return nil, errors.New("server requires an instance manager")
	case len(cfg.SubjectAltNames) == 0:
		return nil, certs.ErrNoSubjectAltNames
	}
	if cfg.CertRefreshInterval <= 0 {
		cfg.CertRefreshInterval = 24 * time.Hour
	}
	if cfg.Codec == nil {
		cfg.Codec = framed.JSON
	}
	cfg.Logger = axlog.OrNop(cfg.Logger)

	return &Server{cfg: cfg, logger: cfg.Logger}, nil
}

// Run accepts connections and refreshes the certificate until ctx is
// cancelled or accepting fails. It waits for all connections to end and
// returns nil after a cancellation.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}

	s.logger.Info("server listening", "addr", s.cfg.Listener.Addr(), "manager_url", s.ManagerURL())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.acceptLoop(ctx)
	})
	g.Go(func() error {
		return s.refreshLoop(ctx)
	})

	err := g.Wait()
	if cerr := s.cfg.Listener.Close(); cerr != nil {
		s.logger.Debug("failed to close listener", "error", cerr)
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, req, err := s.cfg.Listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrTransportClosed) {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn, req)
		}()
	}
}

func (s *Server) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CertRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.RefreshCertificate(); err != nil {
				s.logger.Error("failed to refresh certificate", "error", err)
			}
		}
	}
}

// RefreshCertificate replaces the certificate with a new self-signed one.
// URLs handed out before no longer pin the right hash.
func (s *Server) RefreshCertificate() error {
	id, err := certs.SelfSigned(s.cfg.SubjectAltNames...)
	if err != nil {
		return err
	}
	s.cfg.Certs.Set(id)
	s.logger.Info("certificate refreshed", "expires", id.NotAfter, "manager_url", s.ManagerURL())
	return nil
}

func (s *Server) baseURL() string {
	port := ""
	if _, p, err := net.SplitHostPort(s.cfg.Listener.Addr().String()); err == nil {
		port = p
	}
	return "https://" + net.JoinHostPort(s.cfg.SubjectAltNames[0], port)
}

// ManagerURL is the URL clients connect to for creating instances. The
// fragment pins the current certificate.
func (s *Server) ManagerURL() string {
	return fmt.Sprintf("%s/manager/#%s", s.baseURL(), s.cfg.Certs.Current().HashString())
}

func (s *Server) InstanceURL(id ids.InstanceId) string {
	return fmt.Sprintf("%s/instance/%s/#%s", s.baseURL(), id, s.cfg.Certs.Current().HashString())
}

type route struct {
	manager  bool
	instance ids.InstanceId
}

func parseRoute(path string) (route, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] == "manager":
		return route{manager: true}, nil
	case len(parts) == 2 && parts[0] == "instance":
		id, err := ids.ParseInstanceId(parts[1])
		if err != nil {
			return route{}, fmt.Errorf("%w: %w", transport.ErrUnknownPath, err)
		}
		return route{instance: id}, nil
	default:
		return route{}, fmt.Errorf("%w: %q", transport.ErrUnknownPath, path)
	}
}

func (s *Server) authenticate(req *transport.Request) (did.Did, error) {
	token, ok := req.BearerToken()
	if !ok {
		if s.cfg.RequireAuth {
			return "", ErrUnauthorized
		}
		return "", nil
	}

	att, err := did.Verify(token)
	if err != nil {
		if s.cfg.RequireAuth {
			return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		s.logger.Debug("ignoring invalid bearer token", "error", err)
		return "", nil
	}
	return att.Did(), nil
}

func (s *Server) handle(ctx context.Context, conn transport.Conn, req *transport.Request) {
	remote := req.ClientIP
	if remote == "" {
		remote = conn.RemoteAddr().String()
	}
	logger := axlog.With(s.logger, "remote", remote, "path", req.Path)

	id, err := s.authenticate(req)
	if err != nil {
		logger.Warn("rejected connection", "error", err)
		conn.CloseWithError(transport.CodeUnauthorized, "unauthorized")
		return
	}
	if id != "" {
		logger = axlog.With(logger, "did", id)
	}

	r, err := parseRoute(req.Path)
	if err != nil {
		logger.Warn("rejected connection", "error", err)
		conn.CloseWithError(transport.CodeNotFound, "unknown path")
		return
	}

	logger.Debug("accepted connection")
	if r.manager {
		err = s.serveManager(ctx, conn, logger)
	} else {
		err = s.serveInstance(ctx, conn, r.instance)
	}

	if err != nil {
		logger.Error("connection failed", "error", err)
		return
	}
	logger.Debug("connection closed")
}

func (s *Server) serveInstance(ctx context.Context, conn transport.Conn, id ids.InstanceId) error {
	inst, err := s.cfg.Instances.Get(id)
	if err != nil {
		conn.CloseWithError(transport.CodeNotFound, "unknown instance")
		return err
	}
	return inst.Serve(ctx, conn)
}
