package operation

import (
	"errors"
	"fmt"
)

var (
	// ErrScopeClosedConflict matches every *ScopeConflictError.
	ErrScopeClosedConflict = errors.New("operation scope already closed with a different outcome")

	// ErrNoScope is returned by helpers called outside of a scoped
	// command.
	ErrNoScope = errors.New("no operation scope")
)

// ScopeConflictError is returned by Commit after a Rollback and by
// Rollback after a Commit.
type ScopeConflictError struct {
	OperationID string
	Attempted   string
	Decided     string
}

func (e *ScopeConflictError) Error() string {
	return fmt.Sprintf("SCOPE_CLOSED_CONFLICT: cannot %s operation %s, already %s",
		e.Attempted, e.OperationID, e.Decided)
}

func (e *ScopeConflictError) Is(target error) bool {
	return target == ErrScopeClosedConflict
}

// IsConflict reports whether err is a scope conflict.
func IsConflict(err error) bool {
	var ce *ScopeConflictError
	return errors.As(err, &ce)
}
