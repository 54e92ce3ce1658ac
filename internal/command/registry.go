package command

import (
	"sort"
	"sync"
)

// Registry is a Resolver backed by explicit registrations. Handlers are
// ordered by priority, highest first; equal priorities keep registration
// order.
type Registry struct {
	mu       sync.RWMutex
	seq      int
	filters  []registration
	handlers map[string][]registration
}

type registration struct {
	handler Handler
	seq     int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]registration)}
}

// Register adds h to the chain of commandType.
func (r *Registry) Register(commandType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.handlers[commandType] = append(r.handlers[commandType], registration{handler: h, seq: r.seq})
}

// RegisterFilter adds h to the chain of every command type.
func (r *Registry) RegisterFilter(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	h.Filter = true
	r.filters = append(r.filters, registration{handler: h, seq: r.seq})
}

// ResolveHandlers returns the chain for commandType, or nil if no
// non-filter handler is registered for it.
func (r *Registry) ResolveHandlers(commandType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	typed := r.handlers[commandType]
	if len(typed) == 0 {
		return nil
	}

	all := make([]registration, 0, len(r.filters)+len(typed))
	all = append(all, r.filters...)
	all = append(all, typed...)
	sort.Slice(all, func(i, j int) bool {
		if all[i].handler.Priority != all[j].handler.Priority {
			return all[i].handler.Priority > all[j].handler.Priority
		}
		return all[i].seq < all[j].seq
	})

	chain := make([]Handler, len(all))
	for i, reg := range all {
		chain[i] = reg.handler
	}
	return chain
}

// Types returns the command types with at least one handler, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
