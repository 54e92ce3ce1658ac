package command

import (
	"context"
	"sync"
)

// Context is the execution record of one command: the resolved chain,
// the position in it, the result slot, an item bag and the resources to
// release at teardown.
//
// A Context is owned by the Commander.Run call that executes it and must
// not be run twice.
type Context struct {
	command  Command
	handlers []Handler
	index    int
	items    *Items

	mu        sync.Mutex
	value     any
	err       error
	resources []Resource

	done chan struct{}
	once sync.Once
}

// NewContext creates the execution record for cmd.
func NewContext(cmd Command) *Context {
	return &Context{
		command: cmd,
		items:   newItems(),
		done:    make(chan struct{}),
	}
}

// Command returns the command being executed.
func (cc *Context) Command() Command { return cc.command }

// Handlers returns the resolved chain.
func (cc *Context) Handlers() []Handler { return cc.handlers }

// Items returns the item bag.
func (cc *Context) Items() *Items { return cc.items }

// InvokeRemaining runs the next handler of the chain. Returning without
// calling it short-circuits the chain.
func (cc *Context) InvokeRemaining(ctx context.Context) error {
	if cc.index >= len(cc.handlers) {
		return nil
	}
	h := cc.handlers[cc.index]
	cc.index++
	return h.Func(ctx, cc)
}

// SetResult sets the command's result.
func (cc *Context) SetResult(value any, err error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.value, cc.err = value, err
}

// Result returns the command's result. It is final once Done is closed.
func (cc *Context) Result() (any, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.value, cc.err
}

// Attach registers r to be released when the command finishes. Resources
// are released in reverse order of attachment.
func (cc *Context) Attach(r Resource) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.resources = append(cc.resources, r)
}

// Done is closed once the command has finished and its resources have
// been released.
func (cc *Context) Done() <-chan struct{} { return cc.done }

func (cc *Context) finish() {
	cc.once.Do(func() { close(cc.done) })
}

func (cc *Context) takeResources() []Resource {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	rs := cc.resources
	cc.resources = nil
	return rs
}

type contextKey struct{}

// FromContext returns the command context ctx runs in, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	cc, ok := ctx.Value(contextKey{}).(*Context)
	return cc, ok
}

func withContext(ctx context.Context, cc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, cc)
}

// Items is a concurrency-safe bag of values keyed like context values:
// use unexported key types to avoid collisions.
type Items struct {
	mu     sync.RWMutex
	values map[any]any
}

func newItems() *Items {
	return &Items{values: make(map[any]any)}
}

// Get returns the value stored under key.
func (it *Items) Get(key any) (any, bool) {
	it.mu.RLock()
	defer it.mu.RUnlock()
	v, ok := it.values[key]
	return v, ok
}

// Has reports whether key is set.
func (it *Items) Has(key any) bool {
	_, ok := it.Get(key)
	return ok
}

// Set stores value under key.
func (it *Items) Set(key, value any) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.values[key] = value
}

// Delete removes key.
func (it *Items) Delete(key any) {
	it.mu.Lock()
	defer it.mu.Unlock()
	delete(it.values, key)
}
