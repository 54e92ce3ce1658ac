// Package tracker discovers operations committed by other agents and
// replays their invalidations into the local cache.
//
// A ChangeTracker turns wake signals into releases of WaitForChanges
// callers. Wake delivery is best-effort, so PollFallback also releases
// waiters whenever the log has grown past what the reader has seen. A
// Reader waits on the tracker, reads new operations and hands them to
// the same Notifier the local completion path uses.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/derive/internal/agent"
	"github.com/roach88/derive/internal/clock"
	"github.com/roach88/derive/internal/command"
	"github.com/roach88/derive/internal/loop"
	"github.com/roach88/derive/internal/oplog"
	"github.com/roach88/derive/internal/wake"
)

// State is the wake loop state of a ChangeTracker.
type State int32

const (
	// Sleeping: no live subscription, either not started or backing off.
	Sleeping State = iota
	// Subscribed: waiting on the wake channel.
	Subscribed
	// Woken: handling a wake signal.
	Woken
)

func (s State) String() string {
	switch s {
	case Sleeping:
		return "sleeping"
	case Subscribed:
		return "subscribed"
	case Woken:
		return "woken"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Settings tunes retry and polling.
type Settings struct {
	// RetryDelay is the backoff after a failed subscription, a broken
	// wake stream or a failed log read.
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`

	// PollInterval is how often PollFallback checks the log end.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// BatchSize bounds the operations a Reader reads at once.
	BatchSize int `json:"batch_size" yaml:"batch_size"`
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		RetryDelay:   5 * time.Second,
		PollInterval: 2 * time.Second,
		BatchSize:    256,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.RetryDelay <= 0 {
		s.RetryDelay = d.RetryDelay
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.BatchSize <= 0 {
		s.BatchSize = d.BatchSize
	}
	return s
}

var errStreamEnded = errors.New("wake stream ended")

// Stats counts tracker events.
type Stats struct {
	Wakes    int64 `json:"wakes"`
	Ignored  int64 `json:"ignored"`
	Releases int64 `json:"releases"`
	Failures int64 `json:"failures"`
}

// ChangeTracker releases WaitForChanges callers when another agent has
// appended to the log.
type ChangeTracker struct {
	self     agent.ID
	channel  wake.Channel
	topic    string
	settings Settings
	clock    clock.Clock
	logger   *slog.Logger

	mu    sync.Mutex
	next  chan struct{}
	state State
	seen  int64
	stats Stats
}

// Option configures a ChangeTracker or a Reader.
type Option func(*options)

type options struct {
	settings    Settings
	clock       clock.Clock
	logger      *slog.Logger
	startCursor *int64
	commander   *command.Commander
}

// WithSettings sets retry and polling settings. Zero fields keep their
// defaults.
func WithSettings(s Settings) Option {
	return func(o *options) { o.settings = s.withDefaults() }
}

// WithClock sets the clock retry delays and poll intervals are measured
// on.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(opts []Option) options {
	o := options{settings: DefaultSettings(), clock: clock.Real(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates a tracker for agent self listening on topic.
func New(self agent.ID, channel wake.Channel, topic string, opts ...Option) *ChangeTracker {
	o := buildOptions(opts)
	return &ChangeTracker{
		self:     self,
		channel:  channel,
		topic:    topic,
		settings: o.settings,
		clock:    o.clock,
		logger:   o.logger,
		next:     make(chan struct{}),
	}
}

// State returns the current wake loop state.
func (t *ChangeTracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Stats returns a snapshot of the event counters.
func (t *ChangeTracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Changes returns a channel closed at the next release. Take it before
// checking for work so that a release in between is not missed.
func (t *ChangeTracker) Changes() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

// WaitForChanges blocks until the next release or until ctx is done.
func (t *ChangeTracker) WaitForChanges(ctx context.Context) error {
	select {
	case <-t.Changes():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Observe records that the log has been read up to cursor.
func (t *ChangeTracker) Observe(cursor int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cursor > t.seen {
		t.seen = cursor
	}
}

// Seen returns the highest cursor passed to Observe.
func (t *ChangeTracker) Seen() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen
}

// release wakes every current waiter and installs a fresh channel for
// the next round.
func (t *ChangeTracker) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	close(t.next)
	t.next = make(chan struct{})
	t.stats.Releases++
}

func (t *ChangeTracker) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// Run subscribes to the wake topic and releases waiters on every wake
// from another agent. Failures are logged and retried after RetryDelay.
// Run returns nil once ctx is done.
func (t *ChangeTracker) Run(ctx context.Context) error {
	t.logger.Info("change tracker started",
		"agent", t.self,
		"topic", t.topic,
		"retry_delay", t.settings.RetryDelay)
	defer t.setState(Sleeping)

	for ctx.Err() == nil {
		sub, err := t.channel.Subscribe(ctx, t.topic)
		if err == nil {
			t.setState(Subscribed)
			err = t.consume(ctx, sub)
			sub.Close()
			t.setState(Sleeping)
		}
		if ctx.Err() != nil {
			break
		}

		t.mu.Lock()
		t.stats.Failures++
		t.mu.Unlock()
		t.logger.Warn("wake subscription failed, retrying",
			"topic", t.topic,
			"error", err,
			"retry_in", t.settings.RetryDelay)
		if clock.Sleep(ctx, t.clock, t.settings.RetryDelay) != nil {
			break
		}
	}
	return nil
}

func (t *ChangeTracker) consume(ctx context.Context, sub wake.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return errStreamEnded
			}
			t.wake(msg)
		}
	}
}

func (t *ChangeTracker) wake(msg wake.Message) {
	t.mu.Lock()
	t.state = Woken
	t.stats.Wakes++
	if msg.Origin == t.self {
		t.stats.Ignored++
		t.state = Subscribed
		t.mu.Unlock()
		return
	}
	close(t.next)
	t.next = make(chan struct{})
	t.stats.Releases++
	t.state = Subscribed
	t.mu.Unlock()

	t.logger.Debug("woken by remote agent",
		"origin", msg.Origin,
		"payload", string(msg.Payload))
}

// PollFallback releases waiters whenever the log end is past the last
// observed cursor, checking every interval. A zero interval uses the
// configured PollInterval. It returns nil once ctx is done.
func (t *ChangeTracker) PollFallback(ctx context.Context, log oplog.Log, interval time.Duration) error {
	if interval <= 0 {
		interval = t.settings.PollInterval
	}

	_, err := loop.Start(ctx, struct{}{}, func(ctx context.Context, s struct{}) (struct{}, loop.Next) {
		last, err := log.LastPosition(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return s, loop.Break(nil)
			}
			t.logger.Warn("poll log position failed",
				"error", err,
				"retry_in", t.settings.RetryDelay)
			return s, loop.Continue(t.settings.RetryDelay)
		}
		if last > t.Seen() {
			t.logger.Debug("poll found new operations", "last", last, "seen", t.Seen())
			t.release()
		}
		return s, loop.Continue(interval)
	}, loop.WithClock(t.clock))

	if ctx.Err() != nil {
		return nil
	}
	return err
}
