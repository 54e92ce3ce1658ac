package operation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/roach88/derive/internal/clock"
	"github.com/roach88/derive/internal/command"
	"github.com/roach88/derive/internal/computed"
)

// AbandonPolicy decides the outcome of a scope closed without an explicit
// Commit or Rollback.
type AbandonPolicy int

const (
	// AbandonCommit treats an abandoned scope as committed, so recorded
	// work is not silently discarded.
	AbandonCommit AbandonPolicy = iota

	// AbandonRollback treats an abandoned scope as rolled back.
	AbandonRollback
)

func (p AbandonPolicy) String() string {
	switch p {
	case AbandonCommit:
		return "commit"
	case AbandonRollback:
		return "rollback"
	}
	return fmt.Sprintf("AbandonPolicy(%d)", int(p))
}

// ParseAbandonPolicy parses "commit" or "rollback".
func ParseAbandonPolicy(s string) (AbandonPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "commit":
		return AbandonCommit, nil
	case "rollback":
		return AbandonRollback, nil
	}
	return 0, fmt.Errorf("unknown abandon policy %q", s)
}

type decision int

const (
	undecided decision = iota
	committed
	rolledBack
)

func (d decision) String() string {
	switch d {
	case committed:
		return "committed"
	case rolledBack:
		return "rolled back"
	}
	return "undecided"
}

// Scope is the transactional envelope of one command. It collects
// invalidation hints while the command runs and, once closed as
// committed, hands its Operation to the completer.
//
// Scope implements command.Resource: attached to a command context it is
// closed when the command finishes.
type Scope struct {
	cc        *command.Context
	clock     clock.Clock
	policy    AbandonPolicy
	completer *Completer
	logger    *slog.Logger

	mu       sync.Mutex
	op       *Operation
	hints    map[computed.Key]struct{}
	used     bool
	decision decision
	disposed bool
}

// Operation returns the operation being built. It must not be modified
// by callers.
func (s *Scope) Operation() *Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.op
}

// Commit closes the scope as committed and stamps the commit time.
// Committing a committed scope is a no-op; committing a rolled back one
// is a conflict.
func (s *Scope) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decideLocked(committed)
}

// Rollback closes the scope as rolled back. Rolling back twice is a
// no-op; rolling back a committed scope is a conflict.
func (s *Scope) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decideLocked(rolledBack)
}

func (s *Scope) decideLocked(d decision) error {
	if s.decision != undecided {
		if s.decision == d {
			return nil
		}
		attempted := "commit"
		if d == rolledBack {
			attempted = "roll back"
		}
		return &ScopeConflictError{
			OperationID: s.op.ID,
			Attempted:   attempted,
			Decided:     s.decision.String(),
		}
	}
	if d == committed {
		s.op.CommitTime = s.clock.Now()
	}
	s.decision = d
	return nil
}

// IsClosed reports whether Commit, Rollback or Close took effect.
func (s *Scope) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decision != undecided
}

// IsConfirmed reports the outcome. decided is false while the scope is
// open.
func (s *Scope) IsConfirmed() (confirmed, decided bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decision == committed, s.decision != undecided
}

// Invalidate records keys the command makes stale. Hints recorded after
// the scope closed are dropped.
func (s *Scope) Invalidate(keys ...computed.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.decision != undecided {
		s.logger.Warn("hint recorded on closed scope dropped", "operation", s.op.ID, "count", len(keys))
		return
	}
	for _, k := range keys {
		if _, dup := s.hints[k]; dup {
			continue
		}
		s.hints[k] = struct{}{}
		s.op.Hints = append(s.op.Hints, k)
	}
}

// MarkUsed forces the scope to produce an operation even without hints.
func (s *Scope) MarkUsed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used = true
}

// IsUsed reports whether closing the scope as committed produces an
// operation: the command is not a replayed completion and it recorded
// hints or was marked used.
func (s *Scope) IsUsed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isUsedLocked()
}

func (s *Scope) isUsedLocked() bool {
	if s.cc != nil {
		if _, replay := CompletionFrom(s.cc); replay {
			return false
		}
	}
	return s.used || len(s.op.Hints) > 0
}

// Close disposes the scope. An undecided scope is decided by the abandon
// policy first. A committed, used scope is then completed; the
// completion error, if any, is returned. Closing twice is a no-op.
func (s *Scope) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	if s.decision == undecided {
		d := committed
		if s.policy == AbandonRollback {
			d = rolledBack
		}
		s.logger.Debug("operation scope abandoned", "operation", s.op.ID, "outcome", d.String())
		// Cannot conflict: the scope is undecided.
		_ = s.decideLocked(d)
	}
	complete := s.decision == committed && s.isUsedLocked() && s.completer != nil
	op := s.op
	s.mu.Unlock()

	if !complete {
		return nil
	}
	return s.completer.Complete(ctx, op)
}

// Release implements command.Resource.
func (s *Scope) Release(ctx context.Context) error {
	return s.Close(ctx)
}
