package operation

import (
	"log/slog"

	"github.com/roach88/derive/internal/computed"
)

// Notifier applies an operation's hints to a cache. The local completion
// path and the log reader replaying other agents' operations share it.
type Notifier struct {
	cache  *computed.Cache
	logger *slog.Logger
}

// NewNotifier creates a notifier invalidating entries of cache.
func NewNotifier(cache *computed.Cache, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{cache: cache, logger: logger}
}

// Notify invalidates every hint of op and returns the number of entries
// invalidated. Hints that are still being computed become invalid when
// their computation completes.
func (n *Notifier) Notify(op *Operation) int {
	total := 0
	for _, key := range op.Hints {
		total += n.cache.InvalidateEventually(key)
	}
	if total > 0 {
		n.logger.Debug("operation invalidated entries",
			"operation", op.ID,
			"agent", op.AgentID,
			"hints", len(op.Hints),
			"invalidated", total,
		)
	}
	return total
}
