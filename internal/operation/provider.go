package operation

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/roach88/derive/internal/agent"
	"github.com/roach88/derive/internal/clock"
	"github.com/roach88/derive/internal/command"
	"github.com/roach88/derive/internal/computed"
)

// ScopeHandlerPriority runs the scope handler before every other handler.
const ScopeHandlerPriority = math.MaxInt32

type scopeKey struct{}

// Provider opens operation scopes for one agent.
type Provider struct {
	agent     agent.ID
	clock     clock.Clock
	policy    AbandonPolicy
	completer *Completer
	logger    *slog.Logger
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithClock sets the clock used for start and commit times.
func WithClock(c clock.Clock) ProviderOption {
	return func(p *Provider) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithAbandonPolicy sets the outcome of scopes closed undecided.
func WithAbandonPolicy(policy AbandonPolicy) ProviderOption {
	return func(p *Provider) { p.policy = policy }
}

// WithProviderLogger sets the logger handed to every scope.
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProvider creates a provider for agentID. Committed, used scopes are
// handed to completer; a nil completer discards them.
func NewProvider(agentID agent.ID, completer *Completer, opts ...ProviderOption) *Provider {
	p := &Provider{
		agent:     agentID,
		clock:     clock.Real(),
		policy:    AbandonCommit,
		completer: completer,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Policy returns the abandon policy of scopes opened by p.
func (p *Provider) Policy() AbandonPolicy { return p.policy }

// Open returns the scope of cc, opening and attaching one if cc has none
// yet. The scope is closed when cc's command finishes.
func (p *Provider) Open(cc *command.Context) *Scope {
	if s, ok := ScopeFrom(cc); ok {
		return s
	}

	cmd := cc.Command()
	op := &Operation{
		ID:          NewID(),
		AgentID:     p.agent,
		CommandType: cmd.CommandType(),
		StartTime:   p.clock.Now(),
	}
	if payload, err := EncodePayload(cmd); err != nil {
		p.logger.Warn("encode command payload", "type", op.CommandType, "error", err)
	} else {
		op.Payload = payload
	}

	s := &Scope{
		cc:        cc,
		clock:     p.clock,
		policy:    p.policy,
		completer: p.completer,
		logger:    p.logger,
		op:        op,
		hints:     make(map[computed.Key]struct{}),
	}
	cc.Items().Set(scopeKey{}, s)
	cc.Attach(s)
	return s
}

// ScopeHandler returns a filter that opens a scope around every command,
// commits it when the rest of the chain succeeds and rolls it back when
// it fails. Decisions taken explicitly by handlers are kept.
func (p *Provider) ScopeHandler() command.Handler {
	return command.Handler{
		Name:     "operation-scope",
		Priority: ScopeHandlerPriority,
		Filter:   true,
		Func: func(ctx context.Context, cc *command.Context) error {
			s := p.Open(cc)
			err := cc.InvokeRemaining(ctx)
			if _, decided := s.IsConfirmed(); decided {
				return err
			}
			if err != nil {
				if rbErr := s.Rollback(ctx); rbErr != nil {
					return errors.Join(err, rbErr)
				}
				return err
			}
			return s.Commit(ctx)
		},
	}
}

// ScopeFrom returns the scope attached to cc.
func ScopeFrom(cc *command.Context) (*Scope, bool) {
	v, ok := cc.Items().Get(scopeKey{})
	if !ok {
		return nil, false
	}
	s, ok := v.(*Scope)
	return s, ok
}

// Invalidate records keys on the scope of the command ctx runs in.
func Invalidate(ctx context.Context, keys ...computed.Key) error {
	cc, ok := command.FromContext(ctx)
	if !ok {
		return ErrNoScope
	}
	s, ok := ScopeFrom(cc)
	if !ok {
		return ErrNoScope
	}
	s.Invalidate(keys...)
	return nil
}
