package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/QYUbit/replicate/pkg/axlog"
	slogadapter "github.com/QYUbit/replicate/pkg/axlog/slog_adapter"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "replicate-server",
		Short: "Realtime state replication server",
		Long: "replicate-server hosts instances in which connected clients spawn, " +
			"update and despawn entities that are replicated to every other client.",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSchemaCommand(opts))

	return cmd
}

// newLogger logs text to w. Verbose overrides level.
func newLogger(w io.Writer, level string, verbose bool) (axlog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	if w == nil {
		w = os.Stderr
	}
	return slogadapter.New(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))), nil
}
