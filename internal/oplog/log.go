// Package oplog defines the agent-shared operation log and its record
// codec, plus an in-memory implementation.
//
// A log is an append-only sequence of committed operations ordered by
// position. Positions start at 1 and only grow; a cursor is the last
// position a reader has seen, so reading from cursor 0 returns the whole
// log.
package oplog

import (
	"context"
	"errors"

	"github.com/roach88/derive/internal/operation"
)

var (
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("operation log closed")

	// ErrInvalidCursor is returned for negative cursors.
	ErrInvalidCursor = errors.New("invalid log cursor")
)

// Log is the durable operation log shared by all agents.
type Log interface {
	// Append stores op and returns its position. op.Position is ignored.
	Append(ctx context.Context, op *operation.Operation) (int64, error)

	// ReadSince returns up to limit operations with a position greater
	// than cursor, in position order. limit <= 0 means no limit. Reading
	// again with the same cursor returns the same operations.
	ReadSince(ctx context.Context, cursor int64, limit int) ([]*operation.Operation, error)

	// LastPosition returns the position of the last appended operation,
	// or 0 for an empty log.
	LastPosition(ctx context.Context) (int64, error)

	Close() error
}
