// Package host assembles the per-process object graph of an agent: one
// cache, one command pipeline with its scope provider, and the tracker
// and reader that follow other agents' commits.
//
// A Host is created once at startup and closed at shutdown. Nothing in
// it is global; everything that needs the cache or the tracker gets it
// from the Host that owns it.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/derive/internal/agent"
	"github.com/roach88/derive/internal/clock"
	"github.com/roach88/derive/internal/command"
	"github.com/roach88/derive/internal/computed"
	"github.com/roach88/derive/internal/operation"
	"github.com/roach88/derive/internal/oplog"
	"github.com/roach88/derive/internal/tracker"
	"github.com/roach88/derive/internal/wake"
)

// Parts are the collaborators a Host is assembled from.
type Parts struct {
	// Agent is the agent id. When empty, one is drawn from IDs.
	Agent agent.ID
	// IDs generates the agent id when Agent is empty. Without one the id
	// is a UUIDv7.
	IDs agent.Generator

	Log      oplog.Log
	Channel  wake.Channel
	Topic    string
	Settings tracker.Settings
	Abandon  operation.AbandonPolicy

	// Replay dispatches every remote operation as an
	// operation.Completion command after invalidating its hints.
	Replay bool

	Clock  clock.Clock
	Logger *slog.Logger

	// Closers run in reverse order on Close.
	Closers []func() error
}

// Host owns one agent's cache, pipeline and tracker.
type Host struct {
	agent     agent.ID
	info      agent.Info
	log       oplog.Log
	cache     *computed.Cache
	registry  *command.Registry
	commander *command.Commander
	provider  *operation.Provider
	tracker   *tracker.ChangeTracker
	reader    *tracker.Reader
	logger    *slog.Logger
	closers   []func() error
}

// Assemble wires p into a Host. It starts nothing; call Run.
func Assemble(p Parts) *Host {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Clock == nil {
		p.Clock = clock.Real()
	}
	switch {
	case !p.Agent.IsZero():
	case p.IDs != nil:
		p.Agent = p.IDs.Generate()
	default:
		p.Agent = agent.NewID()
	}
	logger := p.Logger.With("agent", p.Agent)

	cache := computed.New(computed.WithLogger(logger))
	notifier := operation.NewNotifier(cache, logger)
	completer := operation.NewCompleter(notifier, p.Log,
		operation.WithWake(p.Channel, p.Topic),
		operation.WithCompleterLogger(logger))
	provider := operation.NewProvider(p.Agent, completer,
		operation.WithClock(p.Clock),
		operation.WithAbandonPolicy(p.Abandon),
		operation.WithProviderLogger(logger))

	registry := command.NewRegistry()
	registry.RegisterFilter(provider.ScopeHandler())
	commander := command.NewCommander(registry, command.WithLogger(logger))

	opts := []tracker.Option{
		tracker.WithSettings(p.Settings),
		tracker.WithClock(p.Clock),
		tracker.WithLogger(logger),
	}
	tr := tracker.New(p.Agent, p.Channel, p.Topic, opts...)
	if p.Replay {
		opts = append(opts, tracker.WithReplay(commander))
	}
	reader := tracker.NewReader(p.Agent, p.Log, tr, notifier, opts...)

	return &Host{
		agent:     p.Agent,
		info:      agent.NewInfo(p.Agent, p.Clock.Now()),
		log:       p.Log,
		cache:     cache,
		registry:  registry,
		commander: commander,
		provider:  provider,
		tracker:   tr,
		reader:    reader,
		logger:    logger,
		closers:   p.Closers,
	}
}

// Agent returns the id this host commits and filters wakes under.
func (h *Host) Agent() agent.ID { return h.agent }

// Info returns the agent description logged when Run starts.
func (h *Host) Info() agent.Info { return h.info }

// Cache returns the host's computed cache.
func (h *Host) Cache() *computed.Cache { return h.cache }

// Registry returns the handler registry; the scope filter is already
// registered.
func (h *Host) Registry() *command.Registry { return h.registry }

// Commander returns the pipeline commands run through.
func (h *Host) Commander() *command.Commander { return h.commander }

// Provider returns the scope provider wrapping every command.
func (h *Host) Provider() *operation.Provider { return h.provider }

// Tracker returns the change tracker woken by remote commits.
func (h *Host) Tracker() *tracker.ChangeTracker { return h.tracker }

// Reader returns the reader that applies remote operations.
func (h *Host) Reader() *tracker.Reader { return h.reader }

// Log returns the operation log the host appends to and follows.
func (h *Host) Log() oplog.Log { return h.log }

// Handle registers fn as the handler for commandType.
func (h *Host) Handle(commandType string, fn command.HandlerFunc) {
	h.registry.Register(commandType, command.Handler{Name: commandType, Func: fn})
}

// Run follows other agents' commits until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	h.logger.Info("agent running",
		"host", h.info.Host,
		"started_at", h.info.StartedAt)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.tracker.Run(ctx) })
	g.Go(func() error { return h.tracker.PollFallback(ctx, h.log, 0) })
	g.Go(func() error { return h.reader.Run(ctx) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run agent %s: %w", h.agent, err)
	}
	h.logger.Info("agent stopped")
	return nil
}

// Call runs cmd detached from any computation ctx carries and returns
// its result.
func (h *Host) Call(ctx context.Context, cmd command.Command) (any, error) {
	return h.commander.Call(ctx, cmd, true)
}

// Close releases the log and channel the host was opened with.
func (h *Host) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}
