package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/derive/internal/operation"
	"github.com/roach88/derive/internal/oplog"
)

// Append inserts op and its hint index rows in one transaction and
// returns the assigned position.
//
// Appending an operation id that is already stored is a no-op that
// returns the existing position, so a retried append cannot duplicate a
// record.
func (s *Store) Append(ctx context.Context, op *operation.Operation) (int64, error) {
	hints, err := oplog.EncodeHints(op.Hints)
	if err != nil {
		return 0, fmt.Errorf("append operation: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append operation: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO operations
		(id, agent_id, command_type, payload, hints, start_time, commit_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		op.ID,
		string(op.AgentID),
		op.CommandType,
		oplog.EncodePayload(op.Payload),
		hints,
		toNanos(op.StartTime),
		toNanos(op.CommitTime),
	)
	if err != nil {
		return 0, fmt.Errorf("append operation: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("append operation: %w", err)
	}
	if inserted == 0 {
		var pos int64
		err := tx.QueryRowContext(ctx, `SELECT position FROM operations WHERE id = ?`, op.ID).Scan(&pos)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("append operation %s: conflicting row vanished", op.ID)
		}
		if err != nil {
			return 0, fmt.Errorf("append operation: %w", err)
		}
		return pos, nil
	}

	pos, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append operation: %w", err)
	}

	for _, key := range op.Hints {
		digest := key.Digest()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO operation_hints (position, key_digest, method)
			VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING
		`, pos, digest[:], key.Method)
		if err != nil {
			return 0, fmt.Errorf("append operation: index hint %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append operation: commit: %w", err)
	}
	return pos, nil
}
