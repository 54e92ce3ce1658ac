package command

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/derive/internal/computed"
)

// Commander runs commands through the chains produced by a Resolver.
type Commander struct {
	resolver Resolver
	logger   *slog.Logger
}

// CommanderOption configures a Commander.
type CommanderOption func(*Commander)

// WithLogger sets the logger for handler failures and release errors.
func WithLogger(logger *slog.Logger) CommanderOption {
	return func(c *Commander) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCommander creates a Commander resolving chains with resolver.
func NewCommander(resolver Resolver, opts ...CommanderOption) *Commander {
	c := &Commander{resolver: resolver, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes cc on a new goroutine and returns a channel closed when it
// has finished. The outcome is read with cc.Result.
//
// With isolate set, the command sees none of ctx's values (in particular
// not the caller's ambient computation or command context) but is still
// cancelled with ctx.
func (c *Commander) Run(ctx context.Context, cc *Context, isolate bool) <-chan struct{} {
	if isolate {
		ctx = computed.Detach(ctx)
	}
	ctx = withContext(ctx, cc)

	go func() {
		defer cc.finish()
		defer c.teardown(context.WithoutCancel(ctx), cc)

		commandType := cc.Command().CommandType()
		cc.handlers = c.resolver.ResolveHandlers(commandType)
		if len(cc.handlers) == 0 {
			cc.SetResult(nil, &UnhandledCommandError{CommandType: commandType})
			return
		}
		if err := c.invoke(ctx, cc); err != nil {
			c.logger.Debug("command failed", "type", commandType, "error", err)
			cc.SetResult(nil, err)
		}
	}()
	return cc.Done()
}

func (c *Commander) invoke(ctx context.Context, cc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", "type", cc.Command().CommandType(), "panic", r)
			err = &PanicError{CommandType: cc.Command().CommandType(), Value: r}
		}
	}()
	return cc.InvokeRemaining(ctx)
}

// teardown releases attached resources in reverse order. A release error
// replaces the result only when the command otherwise succeeded.
func (c *Commander) teardown(ctx context.Context, cc *Context) {
	resources := cc.takeResources()
	var releaseErr error
	for i := len(resources) - 1; i >= 0; i-- {
		if err := c.release(ctx, resources[i]); err != nil {
			c.logger.Warn("release command resource",
				"type", cc.Command().CommandType(), "error", err)
			releaseErr = errors.Join(releaseErr, err)
		}
	}
	if releaseErr == nil {
		return
	}
	if _, err := cc.Result(); err == nil {
		cc.SetResult(nil, releaseErr)
	}
}

func (c *Commander) release(ctx context.Context, r Resource) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p}
		}
	}()
	return r.Release(ctx)
}

// Call runs cmd and waits for its result.
func (c *Commander) Call(ctx context.Context, cmd Command, isolate bool) (any, error) {
	cc := NewContext(cmd)
	<-c.Run(ctx, cc, isolate)
	return cc.Result()
}
