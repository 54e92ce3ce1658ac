package operation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/derive/internal/agent"
	"github.com/roach88/derive/internal/clock"
	"github.com/roach88/derive/internal/command"
	"github.com/roach88/derive/internal/computed"
)

type renameUser struct {
	ID   int    `cbor:"id"`
	Name string `cbor:"name"`
}

func (renameUser) CommandType() string { return "user.rename" }

type memoryLog struct {
	mu  sync.Mutex
	ops []*Operation
	err error
}

func (l *memoryLog) Append(_ context.Context, op *Operation) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, l.err
	}
	l.ops = append(l.ops, op)
	return int64(len(l.ops)), nil
}

func (l *memoryLog) appended() []*Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Operation(nil), l.ops...)
}

type publication struct {
	topic   string
	origin  agent.ID
	payload string
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []publication
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, origin agent.ID, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, publication{topic: topic, origin: origin, payload: string(payload)})
	return p.err
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	cache    *computed.Cache
	log      *memoryLog
	pub      *recordingPublisher
	clock    *clock.FakeClock
	provider *Provider
	registry *command.Registry
	cmdr     *command.Commander
}

func newFixture(t *testing.T, opts ...ProviderOption) *fixture {
	t.Helper()
	f := &fixture{
		cache: computed.New(),
		log:   &memoryLog{},
		pub:   &recordingPublisher{},
		clock: clock.Fake(t0),
	}
	completer := NewCompleter(NewNotifier(f.cache, nil), f.log, WithWake(f.pub, "derive.oplog"))
	f.provider = NewProvider("agent-a", completer, append([]ProviderOption{WithClock(f.clock)}, opts...)...)
	f.registry = command.NewRegistry()
	f.registry.RegisterFilter(f.provider.ScopeHandler())
	f.cmdr = command.NewCommander(f.registry)
	return f
}

func (f *fixture) cacheValue(t *testing.T, key computed.Key) {
	t.Helper()
	_, err := f.cache.GetOrCompute(context.Background(), key, func(context.Context) (any, error) {
		return "cached", nil
	})
	require.NoError(t, err)
}

func (f *fixture) state(key computed.Key) computed.State {
	s, _ := f.cache.State(key)
	return s
}

func TestScope_CommitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	s := f.provider.Open(command.NewContext(renameUser{}))

	require.NoError(t, s.Commit(context.Background()))
	require.NoError(t, s.Commit(context.Background()))

	confirmed, decided := s.IsConfirmed()
	assert.True(t, confirmed)
	assert.True(t, decided)
	assert.True(t, s.IsClosed())
	assert.Equal(t, t0, s.Operation().CommitTime)

	err := s.Rollback(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScopeClosedConflict)
	assert.True(t, IsConflict(err))
}

func TestScope_RollbackThenCommitConflicts(t *testing.T) {
	f := newFixture(t)
	s := f.provider.Open(command.NewContext(renameUser{}))

	require.NoError(t, s.Rollback(context.Background()))
	require.NoError(t, s.Rollback(context.Background()))

	err := s.Commit(context.Background())
	var ce *ScopeConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "commit", ce.Attempted)
	assert.Equal(t, "rolled back", ce.Decided)
	assert.True(t, s.Operation().CommitTime.IsZero())
}

func TestScope_OpenStampsOperation(t *testing.T) {
	f := newFixture(t)
	cc := command.NewContext(renameUser{ID: 42, Name: "bob"})
	s := f.provider.Open(cc)

	op := s.Operation()
	assert.Len(t, op.ID, 26)
	assert.Equal(t, agent.ID("agent-a"), op.AgentID)
	assert.Equal(t, "user.rename", op.CommandType)
	assert.Equal(t, t0, op.StartTime)

	var decoded renameUser
	require.NoError(t, DecodePayload(op.Payload, &decoded))
	assert.Equal(t, renameUser{ID: 42, Name: "bob"}, decoded)

	same, ok := ScopeFrom(cc)
	require.True(t, ok)
	assert.Same(t, s, same)
	assert.Same(t, s, f.provider.Open(cc))
}

func TestScope_AbandonPolicy(t *testing.T) {
	key := computed.MustKey("user", 42)

	t.Run("commit", func(t *testing.T) {
		f := newFixture(t)
		s := f.provider.Open(command.NewContext(renameUser{}))
		s.Invalidate(key)
		require.NoError(t, s.Close(context.Background()))

		confirmed, decided := s.IsConfirmed()
		assert.True(t, decided)
		assert.True(t, confirmed)
		assert.Len(t, f.log.appended(), 1)
	})

	t.Run("rollback", func(t *testing.T) {
		f := newFixture(t, WithAbandonPolicy(AbandonRollback))
		s := f.provider.Open(command.NewContext(renameUser{}))
		s.Invalidate(key)
		require.NoError(t, s.Close(context.Background()))

		confirmed, decided := s.IsConfirmed()
		assert.True(t, decided)
		assert.False(t, confirmed)
		assert.Empty(t, f.log.appended())
	})
}

func TestParseAbandonPolicy(t *testing.T) {
	p, err := ParseAbandonPolicy("Rollback")
	require.NoError(t, err)
	assert.Equal(t, AbandonRollback, p)

	p, err = ParseAbandonPolicy("")
	require.NoError(t, err)
	assert.Equal(t, AbandonCommit, p)
	assert.Equal(t, "commit", p.String())

	_, err = ParseAbandonPolicy("maybe")
	assert.Error(t, err)
}

func TestScope_IsUsed(t *testing.T) {
	f := newFixture(t)

	s := f.provider.Open(command.NewContext(renameUser{}))
	assert.False(t, s.IsUsed())
	s.MarkUsed()
	assert.True(t, s.IsUsed())

	s = f.provider.Open(command.NewContext(renameUser{}))
	s.Invalidate(computed.MustKey("user", 1), computed.MustKey("user", 1))
	assert.True(t, s.IsUsed())
	assert.Len(t, s.Operation().Hints, 1)

	replay := command.NewContext(Completion{})
	MarkCompletion(replay, &Operation{ID: "remote"})
	s = f.provider.Open(replay)
	s.Invalidate(computed.MustKey("user", 1))
	assert.False(t, s.IsUsed())
}

func TestScope_HintsAfterCloseAreDropped(t *testing.T) {
	f := newFixture(t)
	s := f.provider.Open(command.NewContext(renameUser{}))
	require.NoError(t, s.Rollback(context.Background()))
	s.Invalidate(computed.MustKey("user", 1))
	assert.Empty(t, s.Operation().Hints)
}

func TestScopeHandler_CommitsAndCompletes(t *testing.T) {
	f := newFixture(t)
	key := computed.MustKey("user", 42)
	f.cacheValue(t, key)

	f.registry.Register("user.rename", command.Handler{
		Name: "rename",
		Func: func(ctx context.Context, cc *command.Context) error {
			// Local invalidation waits for commit.
			assert.Equal(t, computed.Consistent, f.state(key))
			assert.NoError(t, Invalidate(ctx, key))
			cc.SetResult("renamed", nil)
			return nil
		},
	})

	v, err := f.cmdr.Call(context.Background(), renameUser{ID: 42, Name: "bob"}, true)
	require.NoError(t, err)
	assert.Equal(t, "renamed", v)

	assert.Equal(t, computed.Invalidated, f.state(key))

	ops := f.log.appended()
	require.Len(t, ops, 1)
	assert.Equal(t, []computed.Key{key}, ops[0].Hints)
	assert.Equal(t, int64(1), ops[0].Position)
	assert.Equal(t, t0, ops[0].CommitTime)

	assert.Equal(t, []publication{{topic: "derive.oplog", origin: "agent-a", payload: "1"}}, f.pub.sent)
}

func TestScopeHandler_RollsBackOnError(t *testing.T) {
	f := newFixture(t)
	key := computed.MustKey("user", 42)
	f.cacheValue(t, key)
	boom := errors.New("boom")

	f.registry.Register("user.rename", command.Handler{
		Name: "rename",
		Func: func(ctx context.Context, cc *command.Context) error {
			assert.NoError(t, Invalidate(ctx, key))
			return boom
		},
	})

	_, err := f.cmdr.Call(context.Background(), renameUser{}, true)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, computed.Consistent, f.state(key))
	assert.Empty(t, f.log.appended())
	assert.Empty(t, f.pub.sent)
}

func TestScopeHandler_KeepsExplicitDecision(t *testing.T) {
	f := newFixture(t)
	f.registry.Register("user.rename", command.Handler{
		Name: "rename",
		Func: func(ctx context.Context, cc *command.Context) error {
			s, ok := ScopeFrom(cc)
			if !ok {
				return ErrNoScope
			}
			s.Invalidate(computed.MustKey("user", 1))
			return s.Rollback(ctx)
		},
	})

	_, err := f.cmdr.Call(context.Background(), renameUser{}, true)
	require.NoError(t, err)
	assert.Empty(t, f.log.appended())
}

func TestScopeHandler_UnusedScopeLogsNothing(t *testing.T) {
	f := newFixture(t)
	f.registry.Register("user.rename", command.Handler{
		Name: "noop",
		Func: func(context.Context, *command.Context) error { return nil },
	})

	_, err := f.cmdr.Call(context.Background(), renameUser{}, true)
	require.NoError(t, err)
	assert.Empty(t, f.log.appended())
}

func TestScopeHandler_UnhandledLeavesNoScope(t *testing.T) {
	f := newFixture(t)
	cc := command.NewContext(renameUser{})
	<-f.cmdr.Run(context.Background(), cc, true)

	_, err := cc.Result()
	assert.ErrorIs(t, err, command.ErrUnhandledCommand)
	_, ok := ScopeFrom(cc)
	assert.False(t, ok)
	assert.Empty(t, f.log.appended())
}

func TestCompleter_AppendErrorSurfaces(t *testing.T) {
	f := newFixture(t)
	f.log.err = errors.New("disk full")
	f.registry.Register("user.rename", command.Handler{
		Name: "rename",
		Func: func(ctx context.Context, cc *command.Context) error {
			cc.SetResult("ok", nil)
			return Invalidate(ctx, computed.MustKey("user", 1))
		},
	})

	_, err := f.cmdr.Call(context.Background(), renameUser{}, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, f.pub.sent)
}

func TestCompleter_PublishFailureIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("broker down")
	f.registry.Register("user.rename", command.Handler{
		Name: "rename",
		Func: func(ctx context.Context, cc *command.Context) error {
			return Invalidate(ctx, computed.MustKey("user", 1))
		},
	})

	_, err := f.cmdr.Call(context.Background(), renameUser{}, true)
	require.NoError(t, err)
	assert.Len(t, f.log.appended(), 1)
}

func TestInvalidate_WithoutScope(t *testing.T) {
	assert.ErrorIs(t, Invalidate(context.Background(), computed.MustKey("x")), ErrNoScope)
}

func TestNotifier_CountsInvalidations(t *testing.T) {
	cache := computed.New()
	ctx := context.Background()
	leaf, parent := computed.MustKey("leaf"), computed.MustKey("parent")
	_, err := cache.GetOrCompute(ctx, parent, func(ctx context.Context) (any, error) {
		return cache.GetOrCompute(ctx, leaf, func(context.Context) (any, error) { return 1, nil })
	})
	require.NoError(t, err)

	n := NewNotifier(cache, nil)
	assert.Equal(t, 2, n.Notify(&Operation{Hints: []computed.Key{leaf, computed.MustKey("absent")}}))
	assert.Equal(t, 0, n.Notify(&Operation{Hints: []computed.Key{leaf}}))
}
