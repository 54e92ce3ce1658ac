// Package loop drives a recurring task until it breaks or its context is
// done.
//
// The log reader and the poll fallback are both written as loop tasks:
// each iteration returns the state for the next one together with a Next
// that says whether to go on, and after how long.
package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/derive/internal/clock"
)

// Next tells Start what to do after a task iteration.
type Next struct {
	// if not nil, breaks with error
	err error

	// if quit == true and err == nil, breaks without error
	quit bool

	// otherwise, continue loop after interval.
	interval time.Duration
}

func (n Next) String() string {
	if n.err != nil {
		return fmt.Sprintf("[break] with error: %v", n.err)
	}
	if n.quit {
		return "[break] without error"
	}
	return fmt.Sprintf("[continue] interval: %s", n.interval)
}

// Continue runs the task again after interval. The zero Next equals
// Continue(0).
func Continue(interval time.Duration) Next {
	return Next{interval: interval}
}

// Break stops the loop. Pass nil to stop without error.
func Break(err error) Next {
	return Next{quit: true, err: err}
}

// Task is one iteration. It receives the value returned by the previous
// iteration (or init for the first one).
type Task[T any] func(context.Context, T) (T, Next)

// Start calls task repeatedly until it returns Break or ctx is done.
//
// The last value returned by task is always returned, together with the
// Break error or ctx.Err().
func Start[T any](ctx context.Context, init T, task Task[T], options ...Option) (T, error) {
	select {
	case <-ctx.Done():
		return init, ctx.Err()
	default:
	}

	cfg := &config{clock: clock.Real()}
	for _, opt := range options {
		opt(cfg)
	}

	value := init
	for {
		v, n := runOnce(ctx, cfg, task, value)
		if n.err != nil {
			return v, n.err
		}
		if n.quit {
			return v, nil
		}
		value = v

		if n.interval <= 0 {
			select {
			case <-ctx.Done():
				return value, ctx.Err()
			default:
				continue
			}
		}

		select {
		// shutting down comes first.
		case <-ctx.Done():
			return value, ctx.Err()
		case <-cfg.clock.After(n.interval):
		}
	}
}

func runOnce[T any](ctx context.Context, cfg *config, task Task[T], value T) (T, Next) {
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}
	return task(ctx, value)
}

type config struct {
	clock   clock.Clock
	timeout time.Duration
}

// Option configures Start.
type Option func(*config)

// WithClock sets the clock used to wait between iterations.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) {
		if c != nil {
			cfg.clock = c
		}
	}
}

// WithTimeout bounds each iteration. The timeout is applied to the
// context passed to the task.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.timeout = d
	}
}
