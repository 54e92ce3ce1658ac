package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/derive/internal/computed"
	"github.com/roach88/derive/internal/operation"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestOperation creates an operation with minimal required fields.
func createTestOperation(id string, hints ...computed.Key) *operation.Operation {
	return &operation.Operation{
		ID:          id,
		AgentID:     "agent-a",
		CommandType: "user.rename",
		Payload:     []byte{0xa1, 0x62, 'i', 'd', 0x18, 42},
		StartTime:   testTime,
		CommitTime:  testTime.Add(time.Millisecond),
		Hints:       hints,
	}
}
