package computed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constant(v any) Func {
	return func(context.Context) (any, error) { return v, nil }
}

func counting(calls *atomic.Int32, v any) Func {
	return func(context.Context) (any, error) {
		calls.Add(1)
		return v, nil
	}
}

// reading returns a Func that reads every key in deps and sums the
// integer results.
func reading(c *Cache, deps ...Key) Func {
	return func(ctx context.Context) (any, error) {
		sum := 0
		for _, d := range deps {
			v, err := c.GetOrCompute(ctx, d, constant(1))
			if err != nil {
				return nil, err
			}
			sum += v.(int)
		}
		return sum, nil
	}
}

func requireState(t *testing.T, c *Cache, key Key, want State) {
	t.Helper()
	got, ok := c.State(key)
	require.True(t, ok, "no entry for %s", key)
	require.Equal(t, want, got, "state of %s", key)
}

func TestGetOrCompute_Memoizes(t *testing.T) {
	c := New()
	key := MustKey("user", 42)
	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		v, err := c.GetOrCompute(context.Background(), key, counting(&calls, "alice"))
		require.NoError(t, err)
		assert.Equal(t, "alice", v)
	}
	assert.Equal(t, int32(1), calls.Load())
	requireState(t, c, key, Consistent)
}

func TestGetOrCompute_MemoizesErrors(t *testing.T) {
	c := New()
	key := MustKey("user", 42)
	boom := errors.New("boom")
	var calls atomic.Int32

	fn := func(context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	}
	for i := 0; i < 2; i++ {
		_, err := c.GetOrCompute(context.Background(), key, fn)
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, int32(1), calls.Load())
	requireState(t, c, key, Consistent)

	require.NoError(t, c.Invalidate(key))
	_, err := c.GetOrCompute(context.Background(), key, fn)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetOrCompute_PanicIsMemoized(t *testing.T) {
	c := New()
	key := MustKey("explode")
	var calls atomic.Int32

	fn := func(context.Context) (any, error) {
		calls.Add(1)
		panic("kaboom")
	}
	_, err := c.GetOrCompute(context.Background(), key, fn)
	require.Error(t, err)
	assert.True(t, IsPanicError(err))
	assert.ErrorIs(t, err, ErrComputationPanic)
	assert.Contains(t, err.Error(), "kaboom")

	_, err = c.GetOrCompute(context.Background(), key, fn)
	assert.True(t, IsPanicError(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrCompute_Singleflight(t *testing.T) {
	c := New()
	key := MustKey("slow")
	var calls atomic.Int32
	started := make(chan struct{})
	gate := make(chan struct{})

	fn := func(context.Context) (any, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-gate
		return "shared", nil
	}

	const callers = 16
	results := make([]any, callers)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = c.GetOrCompute(context.Background(), key, fn)
	}()
	<-started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.GetOrCompute(context.Background(), key, fn)
		}(i)
	}
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i, r := range results {
		assert.Equal(t, "shared", r, "caller %d", i)
	}
}

func TestInvalidate_DependentsOnly(t *testing.T) {
	c := New()
	ctx := context.Background()
	k1, k2, k3 := MustKey("k", 1), MustKey("k", 2), MustKey("k", 3)
	other := MustKey("other")

	v, err := c.GetOrCompute(ctx, k1, reading(c, k2, k3))
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	_, err = c.GetOrCompute(ctx, other, reading(c, k3))
	require.NoError(t, err)

	assert.Equal(t, []Key{k2, k3}, c.Dependencies(k1))
	assert.Equal(t, []Key{k1, other}, c.Dependents(k3))

	require.NoError(t, c.Invalidate(k2))

	requireState(t, c, k1, Invalidated)
	requireState(t, c, k2, Invalidated)
	requireState(t, c, k3, Consistent)
	requireState(t, c, other, Consistent)
	assert.Equal(t, []Key{other}, c.Dependents(k3))
}

func TestInvalidate_EachInputIndependently(t *testing.T) {
	c := New()
	ctx := context.Background()
	a, b, sum := MustKey("a"), MustKey("b"), MustKey("sum")

	_, err := c.GetOrCompute(ctx, sum, reading(c, a, b))
	require.NoError(t, err)
	v1 := c.Version(sum)

	require.NoError(t, c.Invalidate(a))
	requireState(t, c, sum, Invalidated)

	_, err = c.GetOrCompute(ctx, sum, reading(c, a, b))
	require.NoError(t, err)
	requireState(t, c, sum, Consistent)
	assert.Greater(t, c.Version(sum), v1)

	require.NoError(t, c.Invalidate(b))
	requireState(t, c, sum, Invalidated)
	requireState(t, c, a, Consistent)
}

func TestInvalidate_TransitiveReachableSet(t *testing.T) {
	c := New()
	ctx := context.Background()
	base, mid, top := MustKey("base"), MustKey("mid"), MustKey("top")
	side, sideTop := MustKey("side"), MustKey("side.top")

	_, err := c.GetOrCompute(ctx, top, func(ctx context.Context) (any, error) {
		return c.GetOrCompute(ctx, mid, reading(c, base))
	})
	require.NoError(t, err)
	_, err = c.GetOrCompute(ctx, sideTop, reading(c, side))
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(base))

	for _, k := range []Key{base, mid, top} {
		requireState(t, c, k, Invalidated)
	}
	for _, k := range []Key{side, sideTop} {
		requireState(t, c, k, Consistent)
	}

	// Invalidating again and invalidating unknown keys are no-ops.
	require.NoError(t, c.Invalidate(base))
	require.NoError(t, c.Invalidate(MustKey("unknown")))
}

func TestInvalidate_ComputingTarget(t *testing.T) {
	c := New()
	key := MustKey("slow")
	started := make(chan struct{})
	gate := make(chan struct{})

	done := make(chan any)
	go func() {
		v, _ := c.GetOrCompute(context.Background(), key, func(context.Context) (any, error) {
			close(started)
			<-gate
			return "v1", nil
		})
		done <- v
	}()
	<-started

	err := c.Invalidate(key)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidateComputing)

	assert.Equal(t, 0, c.InvalidateEventually(key))
	close(gate)

	// The computing caller still gets its result, but the entry never
	// becomes observable as Consistent.
	assert.Equal(t, "v1", <-done)
	requireState(t, c, key, Invalidated)
}

func TestGetOrCompute_StaleInputDuringComputation(t *testing.T) {
	c := New()
	ctx := context.Background()
	input, derived := MustKey("input"), MustKey("derived")

	_, err := c.GetOrCompute(ctx, input, constant(1))
	require.NoError(t, err)

	read := make(chan struct{})
	gate := make(chan struct{})
	done := make(chan error)
	go func() {
		_, err := c.GetOrCompute(ctx, derived, func(ctx context.Context) (any, error) {
			v, err := c.GetOrCompute(ctx, input, constant(1))
			close(read)
			<-gate
			return v, err
		})
		done <- err
	}()
	<-read

	require.NoError(t, c.Invalidate(input))
	requireState(t, c, derived, Computing)
	close(gate)

	require.NoError(t, <-done)
	requireState(t, c, derived, Invalidated)
}

func TestGetOrCompute_CycleDetection(t *testing.T) {
	t.Run("self read", func(t *testing.T) {
		c := New()
		key := MustKey("self")
		_, err := c.GetOrCompute(context.Background(), key, func(ctx context.Context) (any, error) {
			return c.GetOrCompute(ctx, key, constant(1))
		})
		require.Error(t, err)
		assert.True(t, IsCycleError(err))
		assert.ErrorIs(t, err, ErrCyclicDependency)
	})

	t.Run("two keys", func(t *testing.T) {
		c := New()
		a, b := MustKey("a"), MustKey("b")
		var fa, fb Func
		fa = func(ctx context.Context) (any, error) { return c.GetOrCompute(ctx, b, fb) }
		fb = func(ctx context.Context) (any, error) { return c.GetOrCompute(ctx, a, fa) }

		_, err := c.GetOrCompute(context.Background(), a, fa)
		require.Error(t, err)
		assert.True(t, IsCycleError(err))

		var ce *CacheError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, a, ce.Key)
		assert.Equal(t, b, ce.Reader)
	})
}

func TestGetOrCompute_CancelledComputationIsDiscarded(t *testing.T) {
	c := New()
	parent, child := MustKey("parent"), MustKey("child")
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	done := make(chan error)
	go func() {
		_, err := c.GetOrCompute(ctx, parent, func(ctx context.Context) (any, error) {
			if _, err := c.GetOrCompute(ctx, child, constant(1)); err != nil {
				return nil, err
			}
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		done <- err
	}()
	<-started
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	_, ok := c.State(parent)
	assert.False(t, ok, "aborted entry must not remain")
	assert.Empty(t, c.Dependents(child))

	v, err := c.GetOrCompute(context.Background(), parent, constant("fresh"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

func TestGetOrCompute_JoinedCallerRetriesAfterAbort(t *testing.T) {
	c := New()
	key := MustKey("shared")
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	first := make(chan error)
	go func() {
		_, err := c.GetOrCompute(ctx, key, func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		first <- err
	}()
	<-started

	second := make(chan any)
	go func() {
		v, _ := c.GetOrCompute(context.Background(), key, constant("retried"))
		second <- v
	}()

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	select {
	case v := <-second:
		assert.Equal(t, "retried", v)
	case <-time.After(5 * time.Second):
		t.Fatal("joined caller never completed")
	}
	requireState(t, c, key, Consistent)
}

func TestRemoveAndPrune(t *testing.T) {
	c := New()
	ctx := context.Background()
	leaf, parent := MustKey("leaf"), MustKey("parent")

	_, err := c.GetOrCompute(ctx, parent, reading(c, leaf))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	require.NoError(t, c.Remove(leaf))
	_, ok := c.State(leaf)
	assert.False(t, ok)
	requireState(t, c, parent, Invalidated)
	assert.Empty(t, c.Dependencies(parent))

	assert.Equal(t, 1, c.Prune())
	assert.Equal(t, 0, c.Len())

	require.NoError(t, c.Remove(MustKey("missing")))
}

func TestVersion_Monotonic(t *testing.T) {
	c := New()
	key := MustKey("v")
	ctx := context.Background()

	assert.Zero(t, c.Version(key))
	_, err := c.GetOrCompute(ctx, key, constant(1))
	require.NoError(t, err)
	v1 := c.Version(key)

	require.NoError(t, c.Remove(key))
	_, err = c.GetOrCompute(ctx, key, constant(1))
	require.NoError(t, err)
	assert.Greater(t, c.Version(key), v1)
}

func TestCurrentKeyAndDetach(t *testing.T) {
	c := New()
	key := MustKey("outer")
	inner := MustKey("inner")

	_, ok := CurrentKey(context.Background())
	assert.False(t, ok)

	_, err := c.GetOrCompute(context.Background(), key, func(ctx context.Context) (any, error) {
		got, ok := CurrentKey(ctx)
		assert.True(t, ok)
		assert.Equal(t, key, got)

		detached := Detach(ctx)
		_, ok = CurrentKey(detached)
		assert.False(t, ok)

		// Reads on a detached context record no dependency.
		return c.GetOrCompute(detached, inner, constant(1))
	})
	require.NoError(t, err)
	assert.Empty(t, c.Dependencies(key))

	ctx, cancel := context.WithCancel(context.Background())
	detached := Detach(ctx)
	cancel()
	<-detached.Done()
	assert.ErrorIs(t, detached.Err(), context.Canceled)
}

func TestGetOrCompute_OtherCacheIsNotADependency(t *testing.T) {
	c1, c2 := New(), New()
	outer, inner := MustKey("outer"), MustKey("inner")

	_, err := c1.GetOrCompute(context.Background(), outer, func(ctx context.Context) (any, error) {
		return c2.GetOrCompute(ctx, inner, constant(1))
	})
	require.NoError(t, err)
	assert.Empty(t, c1.Dependencies(outer))
	assert.Empty(t, c2.Dependents(inner))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "computing", Computing.String())
	assert.Equal(t, "consistent", Consistent.String())
	assert.Equal(t, "invalidated", Invalidated.String())
	assert.Equal(t, "State(9)", State(9).String())
}
