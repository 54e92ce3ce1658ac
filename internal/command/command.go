// Package command dispatches commands through a priority-ordered chain of
// handlers.
//
// A Commander resolves the handlers registered for a command's type,
// runs them on a fresh goroutine with a per-command Context, captures the
// outcome (value, error or panic) as the command's result and releases
// the resources attached during execution in reverse order.
package command

import (
	"context"
)

// Command describes an intended state change. Implementations should be
// immutable values.
type Command interface {
	// CommandType names the command for handler resolution and for the
	// operation log.
	CommandType() string
}

// HandlerFunc handles a command. It continues the chain by calling
// cc.InvokeRemaining and may set the result with cc.SetResult. A returned
// error becomes the command's result unless an earlier handler in the
// chain handles it.
type HandlerFunc func(ctx context.Context, cc *Context) error

// Handler is one link of a handler chain.
type Handler struct {
	// Name identifies the handler in logs.
	Name string

	// Priority orders the chain; higher runs first.
	Priority int

	// Filter marks handlers that wrap every command type. A chain made of
	// filters only resolves to nothing.
	Filter bool

	Func HandlerFunc
}

// Resolver produces the handler chain for a command type. The chain must
// be deterministic per type and may be empty.
type Resolver interface {
	ResolveHandlers(commandType string) []Handler
}

// Resource is released when the command that attached it finishes.
type Resource interface {
	Release(ctx context.Context) error
}

// ResourceFunc adapts a function to Resource.
type ResourceFunc func(ctx context.Context) error

// Release calls f.
func (f ResourceFunc) Release(ctx context.Context) error { return f(ctx) }
