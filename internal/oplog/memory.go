package oplog

import (
	"context"
	"sync"

	"github.com/roach88/derive/internal/operation"
)

// Memory is an in-process Log. Several agents in one process can share
// it to exercise cross-agent propagation without a database.
type Memory struct {
	mu      sync.Mutex
	ops     []*operation.Operation
	closed  bool
	readErr error
}

var _ Log = (*Memory)(nil)

// NewMemory returns an empty in-memory log.
func NewMemory() *Memory {
	return &Memory{}
}

// Append stores a copy of op.
func (m *Memory) Append(ctx context.Context, op *operation.Operation) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	stored := clone(op)
	stored.Position = int64(len(m.ops) + 1)
	m.ops = append(m.ops, stored)
	return stored.Position, nil
}

// ReadSince implements Log.
func (m *Memory) ReadSince(ctx context.Context, cursor int64, limit int) ([]*operation.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cursor < 0 {
		return nil, ErrInvalidCursor
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.readErr != nil {
		return nil, m.readErr
	}
	if cursor >= int64(len(m.ops)) {
		return nil, nil
	}
	tail := m.ops[cursor:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]*operation.Operation, len(tail))
	for i, op := range tail {
		out[i] = clone(op)
	}
	return out, nil
}

// LastPosition implements Log.
func (m *Memory) LastPosition(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if m.readErr != nil {
		return 0, m.readErr
	}
	return int64(len(m.ops)), nil
}

// FailReads makes ReadSince and LastPosition fail with err until called
// again with nil.
func (m *Memory) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// Close implements Log.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func clone(op *operation.Operation) *operation.Operation {
	c := *op
	c.Payload = append([]byte(nil), op.Payload...)
	c.Hints = append(c.Hints[:0:0], op.Hints...)
	return &c
}
