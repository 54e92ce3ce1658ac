package host

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/derive/internal/agent"
	"github.com/roach88/derive/internal/clock"
	"github.com/roach88/derive/internal/command"
	"github.com/roach88/derive/internal/computed"
	"github.com/roach88/derive/internal/config"
	"github.com/roach88/derive/internal/operation"
	"github.com/roach88/derive/internal/oplog"
	"github.com/roach88/derive/internal/tracker"
	"github.com/roach88/derive/internal/wake"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const topic = "derive.oplog"

type renameUser struct {
	ID   int    `cbor:"id"`
	Name string `cbor:"name"`
}

func (renameUser) CommandType() string { return "user.rename" }

var fastSettings = tracker.Settings{
	RetryDelay:   20 * time.Millisecond,
	PollInterval: 20 * time.Millisecond,
	BatchSize:    16,
}

func assemble(id agent.ID, log oplog.Log, bus wake.Channel) *Host {
	h := Assemble(Parts{
		Agent:    id,
		Log:      log,
		Channel:  bus,
		Topic:    topic,
		Settings: fastSettings,
	})
	h.Handle("user.rename", func(ctx context.Context, cc *command.Context) error {
		cmd := cc.Command().(renameUser)
		if err := operation.Invalidate(ctx, computed.MustKey("user", cmd.ID)); err != nil {
			return err
		}
		cc.SetResult(cmd.Name, nil)
		return nil
	})
	return h
}

func run(t *testing.T, h *Host) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("host did not stop")
		}
	}
}

func defineUsers(h *Host, calls *atomic.Int32) *computed.Method[int, string] {
	return computed.Define(h.Cache(), "user", func(ctx context.Context, id int) (string, error) {
		n := calls.Add(1)
		return fmt.Sprintf("user %d v%d", id, n), nil
	})
}

// seed appends an operation from a third agent so that a reader starting
// at the log end has something to observe.
func seed(t *testing.T, log oplog.Log) {
	t.Helper()
	_, err := log.Append(context.Background(), &operation.Operation{ID: operation.NewID(), AgentID: "agent-seed"})
	require.NoError(t, err)
}

func TestRemoteCommitInvalidatesOtherAgent(t *testing.T) {
	for _, dropWakes := range []bool{false, true} {
		t.Run(fmt.Sprintf("drop=%v", dropWakes), func(t *testing.T) {
			log := oplog.NewMemory()
			bus := wake.NewMemory()
			defer bus.Close()
			bus.SetDropAll(dropWakes)
			seed(t, log)

			a := assemble("agent-a", log, bus)
			b := assemble("agent-b", log, bus)

			var calls atomic.Int32
			users := defineUsers(b, &calls)
			ctx := context.Background()

			v, err := users.Get(ctx, 42)
			require.NoError(t, err)
			assert.Equal(t, "user 42 v1", v)

			defer run(t, a)()
			defer run(t, b)()
			require.Eventually(t, func() bool { return b.Tracker().Seen() == 1 }, 2*time.Second, time.Millisecond)

			result, err := a.Call(ctx, renameUser{ID: 42, Name: "ada"})
			require.NoError(t, err)
			assert.Equal(t, "ada", result)

			require.Eventually(t, func() bool {
				s, _ := b.Cache().State(computed.MustKey("user", 42))
				return s == computed.Invalidated
			}, 2*time.Second, time.Millisecond)

			v, err = users.Get(ctx, 42)
			require.NoError(t, err)
			assert.Equal(t, "user 42 v2", v)
		})
	}
}

func TestLocalCommitInvalidatesBeforeCallReturns(t *testing.T) {
	log := oplog.NewMemory()
	bus := wake.NewMemory()
	defer bus.Close()

	a := assemble("agent-a", log, bus)
	var calls atomic.Int32
	users := defineUsers(a, &calls)
	ctx := context.Background()

	_, err := users.Get(ctx, 7)
	require.NoError(t, err)

	_, err = a.Call(ctx, renameUser{ID: 7, Name: "bob"})
	require.NoError(t, err)

	s, _ := a.Cache().State(computed.MustKey("user", 7))
	assert.Equal(t, computed.Invalidated, s)

	ops, err := log.ReadSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, agent.ID("agent-a"), ops[0].AgentID)
	assert.Equal(t, "user.rename", ops[0].CommandType)
	assert.Equal(t, []computed.Key{computed.MustKey("user", 7)}, ops[0].Hints)

	var payload renameUser
	require.NoError(t, operation.DecodePayload(ops[0].Payload, &payload))
	assert.Equal(t, renameUser{ID: 7, Name: "bob"}, payload)
}

func TestCallUnhandledCommand(t *testing.T) {
	a := assemble("agent-a", oplog.NewMemory(), wake.NewMemory())
	_, err := a.Call(context.Background(), unknownCommand{})
	assert.True(t, command.IsUnhandled(err))
}

type unknownCommand struct{}

func (unknownCommand) CommandType() string { return "unknown" }

func TestOpenFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Agent.ID = "agent-cfg"
	cfg.Oplog.Path = filepath.Join(t.TempDir(), "derive.db")

	h, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, agent.ID("agent-cfg"), h.Agent())
	_, err = h.Call(context.Background(), unknownCommand{})
	assert.Error(t, err)

	pos, err := h.Log().LastPosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)

	require.NoError(t, h.Close())
}

func TestAssemble_AgentIdentity(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ids := agent.NewFixedGenerator("agent-x", "agent-y")
	log := oplog.NewMemory()
	bus := wake.NewMemory()
	defer bus.Close()

	h := Assemble(Parts{IDs: ids, Log: log, Channel: bus, Topic: topic, Clock: clock.Fake(start)})
	assert.Equal(t, agent.ID("agent-x"), h.Agent())
	assert.Equal(t, agent.ID("agent-x"), h.Info().ID)
	assert.Equal(t, start, h.Info().StartedAt)
	assert.NotEmpty(t, h.Info().Host)

	// An explicit id wins over the generator.
	h = Assemble(Parts{Agent: "agent-z", IDs: ids, Log: log, Channel: bus, Topic: topic})
	assert.Equal(t, agent.ID("agent-z"), h.Agent())
	assert.Equal(t, agent.ID("agent-y"), ids.Generate())
}

func TestOpenGeneratesAgentID(t *testing.T) {
	cfg := config.Default()
	cfg.Oplog.Driver = config.DriverMemory

	h, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer h.Close()
	assert.NotEmpty(t, h.Agent())
	assert.Equal(t, h.Agent(), h.Info().ID)
}
