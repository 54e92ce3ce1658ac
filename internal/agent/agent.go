// Package agent identifies one running process instance that shares the
// operation log with others.
//
// The agent id is how the change tracker tells self-originated change
// notifications apart from remote ones: a wake signal carrying our own
// id was already handled by the local completion notifier.
package agent

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ID is the stable identity of one agent. It is supplied by
// configuration or generated once at startup and never changes for the
// lifetime of the process.
type ID string

// String implements fmt.Stringer.
func (id ID) String() string { return string(id) }

// IsZero reports whether id is unset.
func (id ID) IsZero() bool { return id == "" }

// Info describes the running agent. The host logs it when the agent
// starts running.
type Info struct {
	ID        ID
	Host      string
	StartedAt time.Time
}

// NewInfo builds Info for id, filling in the host name.
func NewInfo(id ID, startedAt time.Time) Info {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return Info{ID: id, Host: host, StartedAt: startedAt}
}

// String renders id@host.
func (i Info) String() string {
	return fmt.Sprintf("%s@%s", i.ID, i.Host)
}

// Generator produces agent ids.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type Generator interface {
	Generate() ID
}

// UUIDv7Generator generates time-sortable UUIDv7 agent ids, so that ids
// in the operation log sort by agent start time.
//
// UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() ID {
	return ID(uuid.Must(uuid.NewV7()).String())
}

// NewID generates a fresh agent id with UUIDv7Generator.
func NewID() ID {
	return UUIDv7Generator{}.Generate()
}

// FixedGenerator returns predetermined ids in order.
//
// Panics once all ids have been consumed, which catches tests that start
// more agents than they declared.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []ID
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...ID) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
func (g *FixedGenerator) Generate() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
