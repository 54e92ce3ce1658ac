package computed

import (
	"context"
	"time"
)

type computationKey struct{}

// computation is the ambient computation carried on a context: the entry
// being built and the flight that identifies its version.
type computation struct {
	cache  *Cache
	handle handle
	flight *flight
	key    Key
}

func currentComputation(ctx context.Context, c *Cache) *computation {
	comp, _ := ctx.Value(computationKey{}).(*computation)
	if comp == nil || comp.cache != c {
		return nil
	}
	return comp
}

// CurrentKey reports the key of the computation ctx belongs to, if any.
func CurrentKey(ctx context.Context) (Key, bool) {
	comp, _ := ctx.Value(computationKey{}).(*computation)
	if comp == nil {
		return Key{}, false
	}
	return comp.key, true
}

// Detach returns a context that is cancelled together with ctx and shares
// its deadline, but carries none of its values. Work started on a
// detached context is not attributed to the caller's ambient computation
// and cannot see any other ambient state of the caller.
func Detach(ctx context.Context) context.Context {
	return detachedContext{parent: ctx}
}

type detachedContext struct {
	parent context.Context
}

func (d detachedContext) Deadline() (time.Time, bool) { return d.parent.Deadline() }
func (d detachedContext) Done() <-chan struct{}       { return d.parent.Done() }
func (d detachedContext) Err() error                  { return d.parent.Err() }
func (d detachedContext) Value(any) any               { return nil }

func (d detachedContext) String() string {
	return "computed.Detach"
}
