package store

import (
	"context"
	"fmt"

	"github.com/roach88/derive/internal/computed"
	"github.com/roach88/derive/internal/operation"
	"github.com/roach88/derive/internal/oplog"
)

// ReadSince returns up to limit operations after cursor, ordered by
// position. limit <= 0 returns every remaining operation.
func (s *Store) ReadSince(ctx context.Context, cursor int64, limit int) ([]*operation.Operation, error) {
	if cursor < 0 {
		return nil, oplog.ErrInvalidCursor
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT position, id, agent_id, command_type, payload, hints, start_time, commit_time
		FROM operations
		WHERE position > ?
		ORDER BY position ASC
		LIMIT ?
	`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("read operations: %w", err)
	}
	defer rows.Close()

	var ops []*operation.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("read operations: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read operations: %w", err)
	}
	return ops, nil
}

// LastPosition returns the position of the newest operation, or 0.
func (s *Store) LastPosition(ctx context.Context) (int64, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM operations`).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("read last position: %w", err)
	}
	return pos, nil
}

// ReadByKey returns the positions of the operations that carry key as a
// hint, in position order.
func (s *Store) ReadByKey(ctx context.Context, key computed.Key) ([]int64, error) {
	digest := key.Digest()
	rows, err := s.db.QueryContext(ctx, `
		SELECT position FROM operation_hints
		WHERE key_digest = ?
		ORDER BY position ASC
	`, digest[:])
	if err != nil {
		return nil, fmt.Errorf("read operations by key: %w", err)
	}
	defer rows.Close()

	var positions []int64
	for rows.Next() {
		var pos int64
		if err := rows.Scan(&pos); err != nil {
			return nil, fmt.Errorf("read operations by key: %w", err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read operations by key: %w", err)
	}
	return positions, nil
}
