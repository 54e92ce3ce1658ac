package operation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/roach88/derive/internal/agent"
)

// Appender appends operations to a log and returns their position.
type Appender interface {
	Append(ctx context.Context, op *Operation) (int64, error)
}

// Publisher sends a wake signal to the other agents.
type Publisher interface {
	Publish(ctx context.Context, topic string, origin agent.ID, payload []byte) error
}

// Completer finishes committed operations: it invalidates local entries,
// appends the operation to the log and wakes the other agents.
type Completer struct {
	notifier *Notifier
	log      Appender
	wake     Publisher
	topic    string
	logger   *slog.Logger
}

// CompleterOption configures a Completer.
type CompleterOption func(*Completer)

// WithWake publishes a wake signal on topic after each append.
func WithWake(pub Publisher, topic string) CompleterOption {
	return func(c *Completer) {
		c.wake = pub
		c.topic = topic
	}
}

// WithCompleterLogger sets the logger.
func WithCompleterLogger(logger *slog.Logger) CompleterOption {
	return func(c *Completer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCompleter creates a completer appending to log.
func NewCompleter(notifier *Notifier, log Appender, opts ...CompleterOption) *Completer {
	c := &Completer{notifier: notifier, log: log, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete runs the completion of op. Local invalidation happens before
// the append, so the writer's own reads are consistent as soon as the
// command returns. The wake signal is best-effort; only append errors
// are returned.
func (c *Completer) Complete(ctx context.Context, op *Operation) error {
	c.notifier.Notify(op)

	pos, err := c.log.Append(ctx, op)
	if err != nil {
		return fmt.Errorf("append operation %s: %w", op.ID, err)
	}
	op.Position = pos

	if c.wake == nil {
		return nil
	}
	payload := strconv.AppendInt(nil, pos, 10)
	if err := c.wake.Publish(ctx, c.topic, op.AgentID, payload); err != nil {
		c.logger.Warn("publish wake signal",
			"operation", op.ID,
			"position", pos,
			"topic", c.topic,
			"error", err,
		)
	}
	return nil
}
