package tracker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/derive/internal/agent"
	"github.com/roach88/derive/internal/clock"
	"github.com/roach88/derive/internal/command"
	"github.com/roach88/derive/internal/loop"
	"github.com/roach88/derive/internal/operation"
	"github.com/roach88/derive/internal/oplog"
)

// WithStartCursor makes a Reader start after cursor instead of at the
// end of the log.
func WithStartCursor(cursor int64) Option {
	return func(o *options) { o.startCursor = &cursor }
}

// WithReplay makes a Reader dispatch every remote operation through
// commander as an operation.Completion, after invalidating its hints.
func WithReplay(commander *command.Commander) Option {
	return func(o *options) { o.commander = commander }
}

// Reader follows the log and invalidates the hints of operations
// committed by other agents.
type Reader struct {
	self      agent.ID
	log       oplog.Log
	tracker   *ChangeTracker
	notifier  *operation.Notifier
	commander *command.Commander
	settings  Settings
	clock     clock.Clock
	logger    *slog.Logger
	start     *int64

	mu      sync.Mutex
	cursor  int64
	applied int64
}

// NewReader creates a reader for agent self.
func NewReader(self agent.ID, log oplog.Log, tracker *ChangeTracker, notifier *operation.Notifier, opts ...Option) *Reader {
	o := buildOptions(opts)
	return &Reader{
		self:      self,
		log:       log,
		tracker:   tracker,
		notifier:  notifier,
		commander: o.commander,
		settings:  o.settings,
		clock:     o.clock,
		logger:    o.logger,
		start:     o.startCursor,
	}
}

// Cursor returns the position of the last operation read.
func (r *Reader) Cursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Applied returns the number of remote operations applied.
func (r *Reader) Applied() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied
}

type readerState struct {
	cursor  int64
	started bool
}

// Run reads the log until ctx is done. It returns nil on shutdown.
func (r *Reader) Run(ctx context.Context) error {
	_, err := loop.Start(ctx, readerState{}, r.step, loop.WithClock(r.clock))
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *Reader) step(ctx context.Context, s readerState) (readerState, loop.Next) {
	if !s.started {
		cursor, err := r.startCursor(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return s, loop.Break(nil)
			}
			r.logger.Warn("read log position failed",
				"error", err,
				"retry_in", r.settings.RetryDelay)
			return s, loop.Continue(r.settings.RetryDelay)
		}
		s = readerState{cursor: cursor, started: true}
		r.advance(cursor, 0)
		r.logger.Info("log reader started", "agent", r.self, "cursor", cursor)
	}

	changes := r.tracker.Changes()

	ops, err := r.log.ReadSince(ctx, s.cursor, r.settings.BatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return s, loop.Break(nil)
		}
		r.logger.Warn("read log failed",
			"cursor", s.cursor,
			"error", err,
			"retry_in", r.settings.RetryDelay)
		return s, loop.Continue(r.settings.RetryDelay)
	}

	applied := int64(0)
	for _, op := range ops {
		if r.apply(ctx, op) {
			applied++
		}
		s.cursor = op.Position
	}
	r.advance(s.cursor, applied)

	if len(ops) >= r.settings.BatchSize {
		return s, loop.Continue(0)
	}

	select {
	case <-changes:
		return s, loop.Continue(0)
	case <-ctx.Done():
		return s, loop.Break(nil)
	}
}

func (r *Reader) startCursor(ctx context.Context) (int64, error) {
	if r.start != nil {
		return *r.start, nil
	}
	return r.log.LastPosition(ctx)
}

func (r *Reader) advance(cursor, applied int64) {
	r.mu.Lock()
	r.cursor = cursor
	r.applied += applied
	r.mu.Unlock()
	r.tracker.Observe(cursor)
}

// apply invalidates op's hints unless this agent committed it. It
// reports whether op was applied.
func (r *Reader) apply(ctx context.Context, op *operation.Operation) bool {
	if op.AgentID == r.self {
		return false
	}
	r.notifier.Notify(op)
	if r.commander != nil {
		r.replay(ctx, op)
	}
	return true
}

func (r *Reader) replay(ctx context.Context, op *operation.Operation) {
	cc := command.NewContext(&operation.Completion{Operation: op})
	operation.MarkCompletion(cc, op)
	<-r.commander.Run(ctx, cc, true)

	if _, err := cc.Result(); err != nil && !command.IsUnhandled(err) {
		r.logger.Warn("replay operation failed",
			"operation", op.ID,
			"command_type", op.CommandType,
			"error", err)
	}
}
