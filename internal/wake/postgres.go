package wake

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/roach88/derive/internal/agent"
)

// Postgres carries wake signals over LISTEN/NOTIFY. Each subscription
// holds a dedicated connection; publishing goes through the shared pool.
type Postgres struct {
	dsn    string
	pool   *pgxpool.Pool
	buffer int
	logger *slog.Logger
}

var _ Channel = (*Postgres)(nil)

// PostgresOption configures a Postgres channel.
type PostgresOption func(*Postgres)

// WithPostgresBuffer sets the per-subscription buffer size.
func WithPostgresBuffer(n int) PostgresOption {
	return func(p *Postgres) { p.buffer = n }
}

// WithPostgresLogger sets the logger for undecodable notifications.
func WithPostgresLogger(logger *slog.Logger) PostgresOption {
	return func(p *Postgres) { p.logger = logger }
}

// NewPostgres returns a channel publishing through pool and listening on
// connections opened from dsn.
func NewPostgres(pool *pgxpool.Pool, dsn string, opts ...PostgresOption) *Postgres {
	p := &Postgres{dsn: dsn, pool: pool, buffer: DefaultBuffer, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe implements Channel.
func (p *Postgres) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: connect: %w", topic, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{topic}.Sanitize()); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("subscribe %s: listen: %w", topic, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s := newStream(p.buffer, cancel)
	stop := context.AfterFunc(ctx, func() { s.Close() })

	go func() {
		defer stop()
		defer conn.Close(context.Background())
		for {
			n, err := conn.WaitForNotification(listenCtx)
			if err != nil {
				if listenCtx.Err() != nil {
					s.finish(nil)
				} else {
					s.finish(fmt.Errorf("wait for notification on %s: %w", topic, err))
				}
				return
			}
			p.handle(s, n)
		}
	}()

	return s, nil
}

func (p *Postgres) handle(s *stream, n *pgconn.Notification) {
	msg, err := decodeNotification(n.Payload)
	if err != nil {
		p.logger.Warn("dropping malformed wake notification",
			"channel", n.Channel,
			"pid", n.PID,
			"error", err)
		return
	}
	s.deliver(msg)
}

// Publish implements Channel.
func (p *Postgres) Publish(ctx context.Context, topic string, origin agent.ID, payload []byte) error {
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", topic, encodeNotification(origin, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// encodeNotification renders a message as NOTIFY text: the origin, a
// '|' and the base64 payload.
func encodeNotification(origin agent.ID, payload []byte) string {
	return string(origin) + "|" + base64.StdEncoding.EncodeToString(payload)
}

func decodeNotification(text string) (Message, error) {
	i := strings.LastIndexByte(text, '|')
	if i < 0 {
		return Message{}, fmt.Errorf("missing separator in %q", text)
	}
	payload, err := base64.StdEncoding.DecodeString(text[i+1:])
	if err != nil {
		return Message{}, fmt.Errorf("decode payload: %w", err)
	}
	return Message{Origin: agent.ID(text[:i]), Payload: payload}, nil
}
