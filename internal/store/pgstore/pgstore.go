// Package pgstore provides the operation log on PostgreSQL, for agents
// spread over several hosts.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/roach88/derive/internal/agent"
	"github.com/roach88/derive/internal/computed"
	"github.com/roach88/derive/internal/operation"
	"github.com/roach88/derive/internal/oplog"
)

// appendLockID is the advisory lock serializing appends. Positions come
// from a sequence; without the lock a reader could see position n+1
// committed before n and move its cursor past n for good.
const appendLockID = 0x64657269 // "deri"

const schema = `
CREATE TABLE IF NOT EXISTS derive_operations (
    position     BIGSERIAL PRIMARY KEY,
    id           TEXT        NOT NULL UNIQUE,
    agent_id     TEXT        NOT NULL,
    command_type TEXT        NOT NULL,
    payload      BYTEA,
    hints        BYTEA       NOT NULL,
    start_time   TIMESTAMPTZ NOT NULL,
    commit_time  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS derive_operation_hints (
    position   BIGINT NOT NULL REFERENCES derive_operations(position),
    key_digest BYTEA  NOT NULL,
    method     TEXT   NOT NULL,
    PRIMARY KEY (position, key_digest)
);
CREATE INDEX IF NOT EXISTS derive_operation_hints_digest ON derive_operation_hints(key_digest);
`

// Store is an oplog.Log stored in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ oplog.Log = (*Store)(nil)

// Open connects to dsn and creates the tables if missing.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Pool returns the underlying pool, shared with the postgres wake channel.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Append implements oplog.Log. Appending an id that is already stored
// returns its existing position.
func (s *Store) Append(ctx context.Context, op *operation.Operation) (int64, error) {
	hints, err := oplog.EncodeHints(op.Hints)
	if err != nil {
		return 0, fmt.Errorf("append operation: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("append operation: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(appendLockID)); err != nil {
		return 0, fmt.Errorf("append operation: lock: %w", err)
	}

	var pos int64
	err = tx.QueryRow(ctx, `
		INSERT INTO derive_operations
		(id, agent_id, command_type, payload, hints, start_time, commit_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
		RETURNING position
	`,
		op.ID,
		string(op.AgentID),
		op.CommandType,
		oplog.EncodePayload(op.Payload),
		hints,
		op.StartTime,
		op.CommitTime,
	).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := tx.QueryRow(ctx, `SELECT position FROM derive_operations WHERE id = $1`, op.ID).Scan(&pos); err != nil {
			return 0, fmt.Errorf("append operation: %w", err)
		}
		return pos, nil
	}
	if err != nil {
		return 0, fmt.Errorf("append operation: %w", err)
	}

	for _, key := range op.Hints {
		digest := key.Digest()
		_, err := tx.Exec(ctx, `
			INSERT INTO derive_operation_hints (position, key_digest, method)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, pos, digest[:], key.Method)
		if err != nil {
			return 0, fmt.Errorf("append operation: index hint %s: %w", key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("append operation: commit: %w", err)
	}
	return pos, nil
}

// ReadSince implements oplog.Log.
func (s *Store) ReadSince(ctx context.Context, cursor int64, limit int) ([]*operation.Operation, error) {
	if cursor < 0 {
		return nil, oplog.ErrInvalidCursor
	}
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT position, id, agent_id, command_type, payload, hints, start_time, commit_time
		FROM derive_operations
		WHERE position > $1
		ORDER BY position ASC
		LIMIT $2
	`, cursor, limitArg)
	if err != nil {
		return nil, fmt.Errorf("read operations: %w", err)
	}
	defer rows.Close()

	var ops []*operation.Operation
	for rows.Next() {
		var (
			op         operation.Operation
			agentID    string
			payload    []byte
			hints      []byte
			start      time.Time
			commitTime time.Time
		)
		if err := rows.Scan(&op.Position, &op.ID, &agentID, &op.CommandType, &payload, &hints, &start, &commitTime); err != nil {
			return nil, fmt.Errorf("read operations: %w", err)
		}
		op.AgentID = agent.ID(agentID)
		op.StartTime = start.UTC()
		op.CommitTime = commitTime.UTC()
		if op.Payload, err = oplog.DecodePayload(payload); err != nil {
			return nil, fmt.Errorf("read operations: %w", err)
		}
		if op.Hints, err = oplog.DecodeHints(hints); err != nil {
			return nil, fmt.Errorf("read operations: %w", err)
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read operations: %w", err)
	}
	return ops, nil
}

// LastPosition implements oplog.Log.
func (s *Store) LastPosition(ctx context.Context) (int64, error) {
	var pos int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(position), 0) FROM derive_operations`).Scan(&pos); err != nil {
		return 0, fmt.Errorf("read last position: %w", err)
	}
	return pos, nil
}

// ReadByKey returns the positions of the operations carrying key.
func (s *Store) ReadByKey(ctx context.Context, key computed.Key) ([]int64, error) {
	digest := key.Digest()
	rows, err := s.pool.Query(ctx, `
		SELECT position FROM derive_operation_hints
		WHERE key_digest = $1
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
