package store

import (
	"time"

	"github.com/roach88/derive/internal/agent"
	"github.com/roach88/derive/internal/operation"
	"github.com/roach88/derive/internal/oplog"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (*operation.Operation, error) {
	var (
		op         operation.Operation
		agentID    string
		payload    []byte
		hints      []byte
		startTime  int64
		commitTime int64
	)
	err := row.Scan(
		&op.Position,
		&op.ID,
		&agentID,
		&op.CommandType,
		&payload,
		&hints,
		&startTime,
		&commitTime,
	)
	if err != nil {
		return nil, err
	}

	op.AgentID = agent.ID(agentID)
	op.StartTime = fromNanos(startTime)
	op.CommitTime = fromNanos(commitTime)
	if op.Payload, err = oplog.DecodePayload(payload); err != nil {
		return nil, err
	}
	if op.Hints, err = oplog.DecodeHints(hints); err != nil {
		return nil, err
	}
	return &op, nil
}

// Times are stored as UTC unix nanoseconds; the zero time is stored as 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
