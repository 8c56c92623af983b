package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/QYUbit/replicate/pkg/axlog"
	"github.com/QYUbit/replicate/pkg/certs"
	"github.com/QYUbit/replicate/pkg/config"
	"github.com/QYUbit/replicate/pkg/framed"
	"github.com/QYUbit/replicate/pkg/instance"
	"github.com/QYUbit/replicate/pkg/registry"
	"github.com/QYUbit/replicate/pkg/server"
	"github.com/QYUbit/replicate/pkg/transport"
	"github.com/QYUbit/replicate/pkg/transport/quic"
	"github.com/QYUbit/replicate/pkg/transport/webtransport"
	"github.com/pkg/profile"
	"github.com/spf13/cobra"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions

	ConfigFile  string
	Port        int
	SANs        []string
	Transport   string
	Codec       string
	Database    string
	RequireAuth bool
	ProfileDir  string
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		Long: `Run the server until SIGINT or SIGTERM.

Flags override values of the config file. The manager URL, including the hash
of the self-signed certificate, is logged on startup.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigFile, "config", "c", "", "path of a YAML config file")
	cmd.Flags().IntVarP(&opts.Port, "port", "p", 0, "port to listen on")
	cmd.Flags().StringSliceVar(&opts.SANs, "san", nil, "subject alt names of the certificate, the first one is used in URLs")
	cmd.Flags().StringVar(&opts.Transport, "transport", "", "webtransport or quic")
	cmd.Flags().StringVar(&opts.Codec, "codec", "", "json or msgpack")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path of the sqlite instance registry")
	cmd.Flags().BoolVar(&opts.RequireAuth, "require-auth", false, "reject connections without a DID bearer token")
	cmd.Flags().StringVar(&opts.ProfileDir, "profile", "", "write a CPU profile to this directory")

	return cmd
}

// config loads the config file, if any, and applies the flags that were
// set explicitly.
func (o *ServeOptions) config(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if o.ConfigFile != "" {
		var err error
		if cfg, err = config.Load(o.ConfigFile); err != nil {
			return config.Config{}, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = o.Port
	}
	if flags.Changed("san") {
		cfg.SubjectAltNames = o.SANs
	}
	if flags.Changed("transport") {
		cfg.Transport = o.Transport
	}
	if flags.Changed("codec") {
		cfg.Codec = o.Codec
	}
	if flags.Changed("db") {
		cfg.Database = o.Database
	}
	if flags.Changed("require-auth") {
		cfg.RequireAuth = o.RequireAuth
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

type listener interface {
	transport.Listener
	Listen() error
}

func newListener(cfg config.Config, store *certs.Store) listener {
	addr := ":" + strconv.Itoa(cfg.Port)
	if cfg.Transport == config.TransportQUIC {
		return quic.NewListener(addr, store.TLSConfig(), nil)
	}
	return webtransport.NewListener(addr, store.TLSConfig(), nil)
}

func openRegistry(path string) (registry.Registry, error) {
	if path == "" {
		return registry.NewMemory(), nil
	}
	return registry.OpenSQLite(path)
}

func serve(ctx context.Context, cfg config.Config, opts *ServeOptions) error {
	logger, err := newLogger(os.Stderr, cfg.LogLevel, opts.Verbose)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	if opts.ProfileDir != "" {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(opts.ProfileDir), profile.NoShutdownHook).Stop()
	}

	codec, ok := framed.CodecByName(cfg.Codec)
	if !ok {
		return fmt.Errorf("unknown codec %q", cfg.Codec)
	}

	id, err := certs.SelfSigned(cfg.SubjectAltNames...)
	if err != nil {
		return err
	}
	store := certs.NewStore(id)

	reg, err := openRegistry(cfg.Database)
	if err != nil {
		return err
	}
	defer reg.Close()

	instances := instance.NewManager(instance.Config{
		TickInterval: cfg.TickInterval,
		Codec:        codec,
		Logger:       logger,
	}, reg)
	defer instances.Close()

	n, err := instances.Restore(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Info("restored instances", "count", n)
	}

	l := newListener(cfg, store)
	if err := l.Listen(); err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Port, err)
	}

	srv, err := server.New(server.Config{
		Listener:            l,
		Certs:               store,
		SubjectAltNames:     cfg.SubjectAltNames,
		CertRefreshInterval: cfg.CertRefreshInterval,
		Instances:           instances,
		Codec:               codec,
		RequireAuth:         cfg.RequireAuth,
		Logger:              logger,
	})
	if err != nil {
		l.Close()
		return err
	}

	logStartup(logger, cfg, srv)
	return srv.Run(ctx)
}

func logStartup(logger axlog.Logger, cfg config.Config, srv *server.Server) {
	logger.Info("server listening",
		"transport", cfg.Transport,
		"codec", cfg.Codec,
		"manager_url", srv.ManagerURL(),
	)
}
