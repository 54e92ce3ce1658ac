package host

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/roach88/derive/internal/agent"
	"github.com/roach88/derive/internal/config"
	"github.com/roach88/derive/internal/oplog"
	"github.com/roach88/derive/internal/store"
	"github.com/roach88/derive/internal/store/pgstore"
	"github.com/roach88/derive/internal/wake"
)

// Open opens the log and wake channel cfg selects and assembles a Host
// over them.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abandon, err := cfg.AbandonPolicy()
	if err != nil {
		return nil, err
	}

	parts := Parts{
		Agent:    agent.ID(cfg.Agent.ID),
		Topic:    cfg.Wake.Topic,
		Settings: cfg.TrackerSettings(),
		Abandon:  abandon,
		Logger:   logger,
	}
	fail := func(err error) (*Host, error) {
		h := &Host{closers: parts.Closers}
		h.Close()
		return nil, err
	}

	var pool *pgxpool.Pool
	switch cfg.Oplog.Driver {
	case config.DriverSQLite:
		s, err := store.Open(cfg.Oplog.Path)
		if err != nil {
			return fail(fmt.Errorf("open sqlite log: %w", err))
		}
		parts.Log = s
		parts.Closers = append(parts.Closers, s.Close)
	case config.DriverPostgres:
		s, err := pgstore.Open(ctx, cfg.Oplog.DSN)
		if err != nil {
			return fail(fmt.Errorf("open postgres log: %w", err))
		}
		parts.Log = s
		parts.Closers = append(parts.Closers, s.Close)
		if cfg.Wake.DSN == cfg.Oplog.DSN {
			pool = s.Pool()
		}
	case config.DriverMemory:
		m := oplog.NewMemory()
		parts.Log = m
		parts.Closers = append(parts.Closers, m.Close)
	default:
		return fail(fmt.Errorf("unknown oplog driver %q", cfg.Oplog.Driver))
	}

	switch cfg.Wake.Driver {
	case config.DriverMemory:
		m := wake.NewMemory()
		parts.Channel = m
		parts.Closers = append(parts.Closers, m.Close)
	case config.DriverPostgres:
		if pool == nil {
			pool, err = pgxpool.Connect(ctx, cfg.Wake.DSN)
			if err != nil {
				return fail(fmt.Errorf("connect wake database: %w", err))
			}
			p := pool
			parts.Closers = append(parts.Closers, func() error {
				p.Close()
				return nil
			})
		}
		parts.Channel = wake.NewPostgres(pool, cfg.Wake.DSN, wake.WithPostgresLogger(logger))
	case config.DriverWebSocket:
		ws := wake.NewWebSocket(cfg.Wake.URL, wake.DefaultWebSocketSettings(), logger)
		parts.Channel = ws
		parts.Closers = append(parts.Closers, ws.Close)
	default:
		return fail(fmt.Errorf("unknown wake driver %q", cfg.Wake.Driver))
	}

	h := Assemble(parts)
	logger.Info("agent opened",
		"agent", h.Info().String(),
		"oplog", cfg.Oplog.Driver,
		"wake", cfg.Wake.Driver,
		"topic", cfg.Wake.Topic)
	return h, nil
}
