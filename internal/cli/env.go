package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/derive/internal/computed"
	"github.com/roach88/derive/internal/config"
	"github.com/roach88/derive/internal/oplog"
	"github.com/roach88/derive/internal/store"
	"github.com/roach88/derive/internal/store/pgstore"
)

// loadConfig reads --config, or returns the defaults when it is unset.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	if opts.Config == "" {
		return config.Default(), nil
	}
	return config.Load(opts.Config)
}

// newLogger installs a text handler on w as the default logger. --verbose
// forces debug level; otherwise the configured level applies.
func newLogger(opts *RootOptions, cfg *config.Config, w io.Writer) *slog.Logger {
	level := cfg.LogLevel()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// shutdownContext returns a context cancelled on SIGINT or SIGTERM, or
// when the command's own context is done.
func shutdownContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// inspectLog is the read side of a durable log, as used by the log
// commands.
type inspectLog interface {
	oplog.Log
	ReadByKey(ctx context.Context, key computed.Key) ([]int64, error)
}

var (
	_ inspectLog = (*store.Store)(nil)
	_ inspectLog = (*pgstore.Store)(nil)
)

// openLog opens the durable log cfg names.
func openLog(ctx context.Context, cfg *config.Config) (inspectLog, error) {
	switch cfg.Oplog.Driver {
	case config.DriverSQLite:
		if _, err := os.Stat(cfg.Oplog.Path); err != nil {
			return nil, fmt.Errorf("open sqlite log: %w", err)
		}
		s, err := store.Open(cfg.Oplog.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		s, err := pgstore.Open(ctx, cfg.Oplog.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverMemory:
		return nil, errors.New("the memory log lives inside a running agent and cannot be inspected")
	default:
		return nil, fmt.Errorf("unknown oplog driver %q", cfg.Oplog.Driver)
	}
}
