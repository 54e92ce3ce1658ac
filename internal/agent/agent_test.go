package agent

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator_Generate(t *testing.T) {
	id := UUIDv7Generator{}.Generate()

	parsed, err := uuid.Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.Len(t, id.String(), 36)
}

func TestUUIDv7Generator_Unique(t *testing.T) {
	seen := make(map[ID]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestFixedGenerator_Order(t *testing.T) {
	gen := NewFixedGenerator("agent-a", "agent-b")
	assert.Equal(t, ID("agent-a"), gen.Generate())
	assert.Equal(t, ID("agent-b"), gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}

func TestID_IsZero(t *testing.T) {
	assert.True(t, ID("").IsZero())
	assert.False(t, ID("a").IsZero())
}

func TestNewInfo(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	info := NewInfo("agent-a", now)

	assert.Equal(t, ID("agent-a"), info.ID)
	assert.Equal(t, now, info.StartedAt)
	assert.NotEmpty(t, info.Host)
	assert.Contains(t, info.String(), "agent-a@")
}
