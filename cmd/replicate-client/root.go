package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/QYUbit/replicate/pkg/axlog"
	slogadapter "github.com/QYUbit/replicate/pkg/axlog/slog_adapter"
	"github.com/QYUbit/replicate/pkg/certs"
	"github.com/QYUbit/replicate/pkg/client"
	"github.com/QYUbit/replicate/pkg/datamodel"
	"github.com/QYUbit/replicate/pkg/did"
	"github.com/QYUbit/replicate/pkg/entity"
	"github.com/QYUbit/replicate/pkg/framed"
	"github.com/QYUbit/replicate/pkg/ids"
	"github.com/QYUbit/replicate/pkg/transport"
	"github.com/QYUbit/replicate/pkg/transport/quic"
	"github.com/spf13/cobra"
)

// Options holds the flags of replicate-client.
type Options struct {
	Verbose   bool
	URL       string
	Instance  string
	Username  string
	Transport string
	Codec     string
	Auth      bool
	Ticks     int
	Interval  time.Duration
}

func NewRootCommand() *cobra.Command {
	opts := &Options{}

	cmd := &cobra.Command{
		Use:   "replicate-client",
		Short: "Demo client for replicate-server",
		Long: `Connect to the manager, create an instance and join it, then move a
single entity around for a number of ticks while logging what the other
clients of the instance replicate.

With --instance an existing instance URL is joined instead.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.URL == "" && opts.Instance == "" {
				return errors.New("either --url or --instance is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return run(ctx, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level")
	cmd.Flags().StringVar(&opts.URL, "url", "", "manager URL printed by replicate-server")
	cmd.Flags().StringVar(&opts.Instance, "instance", "", "instance URL to join instead of creating one")
	cmd.Flags().StringVarP(&opts.Username, "username", "u", "anonymous", "name carried in the demo entity")
	cmd.Flags().StringVar(&opts.Transport, "transport", "webtransport", "webtransport or quic")
	cmd.Flags().StringVar(&opts.Codec, "codec", "json", "json or msgpack, must match the server")
	cmd.Flags().BoolVar(&opts.Auth, "auth", false, "authenticate with a freshly generated DID")
	cmd.Flags().IntVar(&opts.Ticks, "ticks", 50, "number of ticks to run")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 100*time.Millisecond, "time between ticks")

	return cmd
}

func (o *Options) clientConfig(logger axlog.Logger) (client.Config, error) {
	codec, ok := framed.CodecByName(o.Codec)
	if !ok {
		return client.Config{}, fmt.Errorf("unknown codec %q", o.Codec)
	}
	cfg := client.Config{Codec: codec, Logger: logger}

	switch o.Transport {
	case "webtransport":
	case "quic":
		dialer, err := pinnedQUICDialer(o.target())
		if err != nil {
			return client.Config{}, err
		}
		cfg.Dialer = dialer
	default:
		return client.Config{}, fmt.Errorf("unknown transport %q", o.Transport)
	}

	if o.Auth {
		key, id, err := did.GenerateKey()
		if err != nil {
			return client.Config{}, err
		}
		cfg.Token = did.New(id, key).Token()
		logger.Info("authenticating", "did", id)
	}
	return cfg, nil
}

// target is the URL whose fragment pins the server certificate.
func (o *Options) target() string {
	if o.Instance != "" {
		return o.Instance
	}
	return o.URL
}

func pinnedQUICDialer(rawURL string) (transport.Dialer, error) {
	hash, err := client.PinnedHash(rawURL)
	if err != nil {
		return nil, err
	}
	return &quic.Dialer{TLSConfig: certs.PinnedTLSConfig(hash)}, nil
}

func run(ctx context.Context, opts *Options) error {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slogadapter.New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := opts.clientConfig(logger)
	if err != nil {
		return err
	}

	url := opts.Instance
	if url == "" {
		if url, err = createInstance(ctx, opts.URL, cfg); err != nil {
			return err
		}
		logger.Info("created instance", "url", url)
	}

	inst, err := client.ConnectInstance(ctx, url, ids.NewClientId(), cfg)
	if err != nil {
		return err
	}
	defer inst.Close()

	return simulate(ctx, inst, opts, logger)
}

func createInstance(ctx context.Context, managerURL string, cfg client.Config) (string, error) {
	m, err := client.ConnectManager(ctx, managerURL, cfg)
	if err != nil {
		return "", err
	}
	defer m.Close()

	id, err := m.InstanceCreate(ctx)
	if err != nil {
		return "", err
	}
	return m.InstanceURL(ctx, id)
}

type avatar struct {
	Name string  `json:"name"`
	Tick int     `json:"tick"`
	X    float64 `json:"x"`
}

func (a avatar) state() datamodel.State {
	b, err := json.Marshal(a)
	if err != nil {
		panic(err)
	}
	return datamodel.MustState(b)
}

// simulate spawns an avatar and updates it once per tick. Every tenth
// update is reliable.
func simulate(ctx context.Context, inst *client.Instance, opts *Options, logger axlog.Logger) error {
	dm := inst.DataModel()
	me := avatar{Name: opts.Username}
	e := dm.Spawn(me.state())

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for tick := 1; tick <= opts.Ticks; tick++ {
		select {
		case <-ctx.Done():
			return nil
		case <-inst.Done():
			return inst.Err()
		case <-ticker.C:
		}

		me.Tick = tick
		me.X += 0.5
		update := dm.Update
		if tick%10 == 0 {
			update = dm.UpdateReliable
		}
		if err := update(e, me.state()); err != nil {
			return err
		}
		if err := inst.Flush(); err != nil {
			return err
		}

		if tick%10 == 0 {
			logPeers(dm, e, logger)
		}
	}

	if err := dm.Despawn(e); err != nil {
		return err
	}
	return inst.Flush()
}

func logPeers(dm *datamodel.DataModel, self entity.Entity, logger axlog.Logger) {
	for e, data := range dm.All() {
		if e == self {
			continue
		}
		var peer avatar
		if err := json.Unmarshal(data.State, &peer); err != nil {
			logger.Debug("foreign entity", "entity", e, "bytes", len(data.State))
			continue
		}
		logger.Info("peer", "name", peer.Name, "tick", peer.Tick, "x", peer.X)
	}
}
