// Package computed implements a dependency-tracked memoization cache.
//
// A computation started through GetOrCompute runs with itself installed
// as the ambient computation on its context.Context. Every other key it
// reads through the same cache is recorded as a dependency, so that
// invalidating a key invalidates exactly the entries that transitively
// read it.
//
// Entries live in an arena and refer to each other by handle. All graph
// mutation (edge insertion, state changes, invalidation) happens under a
// single mutex; compute functions always run outside of it.
package computed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// State is the lifecycle state of a cache entry.
type State int

const (
	// Computing means a computation for the current version is in flight.
	Computing State = iota + 1

	// Consistent means the entry holds a value or a memoized error.
	Consistent

	// Invalidated means the entry is stale and will be recomputed on the
	// next read. It is terminal for the entry's version.
	Invalidated
)

func (s State) String() string {
	switch s {
	case Computing:
		return "computing"
	case Consistent:
		return "consistent"
	case Invalidated:
		return "invalidated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Func computes the value of one key. The context carries the ambient
// computation; reads through the same cache made with it are recorded as
// dependencies.
type Func func(ctx context.Context) (any, error)

type handle int32

type edgeSet map[handle]struct{}

// flight is one computation of one entry version. Joined callers wait
// on done and read the result from here, so a later version of the same
// slot never leaks into an earlier caller.
type flight struct {
	done    chan struct{}
	value   any
	err     error
	aborted bool
}

type entry struct {
	key     Key
	version uint64
	state   State
	value   any
	err     error
	flight  *flight

	// deps are entries this one read; rdeps are entries that read this
	// one. Only Computing and Consistent entries own outgoing edges.
	deps  edgeSet
	rdeps edgeSet

	// staleOnCompletion is set when an input was invalidated while this
	// entry was still computing.
	staleOnCompletion bool
}

// Cache is a dependency-tracked computed value cache. The zero value is
// not usable; create one with New.
//
// A Cache is owned by whoever created it and is meant to live for the
// whole process. It is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries []*entry
	free    []handle
	index   map[Key]handle
	epoch   uint64
	methods map[string]struct{}

	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for invalidation and panic reports.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		index:   make(map[Key]handle),
		methods: make(map[string]struct{}),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrCompute returns the value of key, computing it with fn if no
// consistent entry exists.
//
// At most one computation per key runs at a time: concurrent callers for
// a key that is being computed wait for that computation and observe its
// result. Errors returned by fn are memoized until the key is
// invalidated; a panic in fn is memoized as a COMPUTATION_PANIC error.
//
// If ctx carries an ambient computation of this cache, a dependency
// edge from it to key is recorded. Reads that would close a cycle fail
// with a CYCLIC_DEPENDENCY error without waiting.
//
// If fn fails after ctx is done, the computation is discarded as if it
// never started and callers that joined it retry.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, fn Func) (any, error) {
	reader := currentComputation(ctx, c)

	for {
		c.mu.Lock()
		h, exists := c.index[key]
		if exists {
			e := c.entries[h]
			switch e.state {
			case Consistent:
				if err := c.addEdgeLocked(reader, h); err != nil {
					c.mu.Unlock()
					return nil, err
				}
				value, err := e.value, e.err
				c.mu.Unlock()
				return value, err

			case Computing:
				if err := c.addEdgeLocked(reader, h); err != nil {
					c.mu.Unlock()
					return nil, err
				}
				f := e.flight
				c.mu.Unlock()

				select {
				case <-f.done:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				if f.aborted {
					continue
				}
				return f.value, f.err
			}
		}

		h, f := c.beginLocked(key, h, exists)
		if err := c.addEdgeLocked(reader, h); err != nil {
			c.abortLocked(h, f)
			c.mu.Unlock()
			return nil, err
		}
		c.mu.Unlock()

		return c.compute(ctx, h, f, key, fn)
	}
}

func (c *Cache) compute(ctx context.Context, h handle, f *flight, key Key, fn Func) (any, error) {
	cctx := context.WithValue(ctx, computationKey{}, &computation{cache: c, handle: h, flight: f, key: key})
	value, err := c.invoke(cctx, key, fn)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil && ctx.Err() != nil {
		c.logger.Debug("computation aborted", "key", key.String(), "error", err)
		c.abortLocked(h, f)
		return nil, err
	}
	c.completeLocked(h, f, value, err)
	return value, err
}

func (c *Cache) invoke(ctx context.Context, key Key, fn Func) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("computation panicked", "key", key.String(), "panic", r)
			value = nil
			err = &CacheError{
				Code:    ErrCodeComputationPanic,
				Message: fmt.Sprint(r),
				Key:     key,
			}
		}
	}()
	return fn(ctx)
}

// beginLocked starts a new version of key. An invalidated slot is reused
// so that computing dependents still reach it through their edges.
func (c *Cache) beginLocked(key Key, h handle, exists bool) (handle, *flight) {
	var e *entry
	if exists {
		e = c.entries[h]
	} else {
		e = &entry{key: key, rdeps: make(edgeSet)}
		h = c.allocLocked(e)
		c.index[key] = h
	}

	c.epoch++
	f := &flight{done: make(chan struct{})}
	e.version = c.epoch
	e.state = Computing
	e.value, e.err = nil, nil
	e.deps = make(edgeSet)
	e.flight = f
	e.staleOnCompletion = false
	return h, f
}

func (c *Cache) allocLocked(e *entry) handle {
	if n := len(c.free); n > 0 {
		h := c.free[n-1]
		c.free = c.free[:n-1]
		c.entries[h] = e
		return h
	}
	c.entries = append(c.entries, e)
	return handle(len(c.entries) - 1)
}

func (c *Cache) completeLocked(h handle, f *flight, value any, err error) {
	e := c.entries[h]
	e.state = Consistent
	e.value, e.err = value, err
	f.value, f.err = value, err
	close(f.done)

	if e.staleOnCompletion {
		n := c.invalidateLocked(h)
		c.logger.Debug("entry stale on completion", "key", e.key.String(), "invalidated", n)
	}
}

// abortLocked discards the flight's entry and every edge it took part in.
// Joined callers observe aborted and retry.
func (c *Cache) abortLocked(h handle, f *flight) {
	f.aborted = true
	close(f.done)
	c.freeLocked(h)
}

// addEdgeLocked records that reader depends on target.
func (c *Cache) addEdgeLocked(reader *computation, target handle) error {
	if reader == nil || reader.cache != c {
		return nil
	}
	r := reader.handle
	re := c.entries[r]
	if re == nil || re.flight != reader.flight || re.state != Computing {
		// The reader's computation has already finished or been aborted.
		return nil
	}

	te := c.entries[target]
	if r == target || c.reachableLocked(target, r) {
		return &CacheError{
			Code:    ErrCodeCyclicDependency,
			Message: "read would close a dependency cycle",
			Key:     te.key,
			Reader:  re.key,
		}
	}
	if te.state == Invalidated {
		re.staleOnCompletion = true
		return nil
	}
	re.deps[target] = struct{}{}
	te.rdeps[r] = struct{}{}
	return nil
}

// reachableLocked reports whether to can be reached from from by
// following dependency edges.
func (c *Cache) reachableLocked(from, to handle) bool {
	visited := map[handle]struct{}{from: {}}
	stack := []handle{from}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if h == to {
			return true
		}
		for d := range c.entries[h].deps {
			if _, seen := visited[d]; !seen {
				visited[d] = struct{}{}
				stack = append(stack, d)
			}
		}
	}
	return false
}

// Invalidate marks key and everything that transitively depends on it as
// Invalidated. Missing and already invalidated keys are a no-op.
//
// It is an error to invalidate a key that is being computed; dependents
// reached by propagation that are still computing are instead marked to
// become Invalidated as soon as they complete.
func (c *Cache) Invalidate(key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.index[key]
	if !ok {
		return nil
	}
	if c.entries[h].state == Computing {
		return &CacheError{
			Code:    ErrCodeInvalidateComputing,
			Message: "entry is being computed",
			Key:     key,
		}
	}
	n := c.invalidateLocked(h)
	if n > 0 {
		c.logger.Debug("invalidated", "key", key.String(), "count", n)
	}
	return nil
}

// InvalidateEventually is Invalidate for callers that cannot wait for an
// in-flight computation: a computing key is marked to become Invalidated
// when it completes instead of failing. It returns the number of entries
// invalidated immediately.
func (c *Cache) InvalidateEventually(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.index[key]
	if !ok {
		return 0
	}
	n := c.invalidateLocked(h)
	if n > 0 {
		c.logger.Debug("invalidated", "key", key.String(), "count", n)
	}
	return n
}

// invalidateLocked propagates invalidation from start through reverse
// edges. It visits each entry at most once.
func (c *Cache) invalidateLocked(start handle) int {
	count := 0
	visited := map[handle]struct{}{start: {}}
	stack := []handle{start}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		e := c.entries[h]
		switch e.state {
		case Computing:
			e.staleOnCompletion = true
			continue
		case Invalidated:
			continue
		}

		e.state = Invalidated
		count++
		for r := range e.rdeps {
			if _, seen := visited[r]; !seen {
				visited[r] = struct{}{}
				stack = append(stack, r)
			}
		}
		c.dropDepsLocked(h)
	}
	return count
}

func (c *Cache) dropDepsLocked(h handle) {
	e := c.entries[h]
	for d := range e.deps {
		delete(c.entries[d].rdeps, h)
	}
	e.deps = nil
}

func (c *Cache) freeLocked(h handle) {
	e := c.entries[h]
	c.dropDepsLocked(h)
	for r := range e.rdeps {
		delete(c.entries[r].deps, h)
	}
	delete(c.index, e.key)
	c.entries[h] = nil
	c.free = append(c.free, h)
}

// Remove evicts key from the cache. Its dependents are invalidated first
// so that none of them is left depending on a missing entry. Removing a
// key that is being computed fails like Invalidate.
func (c *Cache) Remove(key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.index[key]
	if !ok {
		return nil
	}
	if c.entries[h].state == Computing {
		return &CacheError{
			Code:    ErrCodeInvalidateComputing,
			Message: "cannot remove an entry that is being computed",
			Key:     key,
		}
	}
	c.invalidateLocked(h)
	c.freeLocked(h)
	return nil
}

// Prune evicts every Invalidated entry and returns how many were freed.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for h, e := range c.entries {
		if e != nil && e.state == Invalidated {
			c.freeLocked(handle(h))
			n++
		}
	}
	return n
}

// Len returns the number of entries held, in any state.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// State returns the state of key, or false if the cache holds no entry.
func (c *Cache) State(key Key) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.index[key]
	if !ok {
		return 0, false
	}
	return c.entries[h].state, true
}

// Version returns the version of key's current entry, or 0 if the cache
// holds no entry. Versions increase every time a key is recomputed.
func (c *Cache) Version(key Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.index[key]
	if !ok {
		return 0
	}
	return c.entries[h].version
}

// Dependencies returns the keys that key read, sorted.
func (c *Cache) Dependencies(key Key) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.index[key]
	if !ok {
		return nil
	}
	return c.keysLocked(c.entries[h].deps)
}

// Dependents returns the keys that read key, sorted.
func (c *Cache) Dependents(key Key) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.index[key]
	if !ok {
		return nil
	}
	return c.keysLocked(c.entries[h].rdeps)
}

func (c *Cache) keysLocked(set edgeSet) []Key {
	keys := make([]Key, 0, len(set))
	for h := range set {
		keys = append(keys, c.entries[h].key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Method != keys[j].Method {
			return keys[i].Method < keys[j].Method
		}
		return keys[i].Args < keys[j].Args
	})
	return keys
}
