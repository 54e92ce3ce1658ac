// Package clock abstracts wall-clock time for timestamps and retry
// backoff.
//
// Production code injects Real(); tests inject Fake() and advance time
// explicitly so that retry delays and poll intervals can be exercised
// without sleeping.
package clock

import (
	"context"
	"time"
)

// Clock is the time source used by scopes (commit timestamps) and by the
// change tracker (retry delay, poll fallback interval).
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has
	// elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep blocks until d has elapsed on c or ctx is done, whichever comes
// first. It returns ctx.Err() in the latter case.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}
