package computed

import (
	"context"
	"fmt"
	"sort"
)

// Method is a compute function registered under a unique name. It turns
// typed calls into cache reads keyed by (name, arg).
type Method[A, R any] struct {
	cache *Cache
	name  string
	fn    func(context.Context, A) (R, error)
}

// Define registers fn under name. Names are unique per cache; defining
// the same name twice panics, since it is a wiring defect that would
// make two functions share cache entries.
func Define[A, R any](c *Cache, name string, fn func(context.Context, A) (R, error)) *Method[A, R] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name == "" {
		panic("computed: empty method name")
	}
	if _, dup := c.methods[name]; dup {
		panic(fmt.Sprintf("computed: method %q already defined", name))
	}
	c.methods[name] = struct{}{}
	return &Method[A, R]{cache: c, name: name, fn: fn}
}

// Name returns the method name.
func (m *Method[A, R]) Name() string { return m.name }

// Key returns the cache key for arg.
func (m *Method[A, R]) Key(arg A) (Key, error) {
	return NewKey(m.name, arg)
}

// Get returns the memoized result for arg, computing it if needed.
func (m *Method[A, R]) Get(ctx context.Context, arg A) (R, error) {
	var zero R
	key, err := m.Key(arg)
	if err != nil {
		return zero, err
	}
	v, err := m.cache.GetOrCompute(ctx, key, func(ctx context.Context) (any, error) {
		return m.fn(ctx, arg)
	})
	if err != nil {
		return zero, err
	}
	r, _ := v.(R)
	return r, nil
}

// Invalidate invalidates the entry for arg. See Cache.Invalidate.
func (m *Method[A, R]) Invalidate(arg A) error {
	key, err := m.Key(arg)
	if err != nil {
		return err
	}
	return m.cache.Invalidate(key)
}

// Methods returns the names defined on c, sorted.
func (c *Cache) Methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
