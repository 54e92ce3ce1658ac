package wake

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/derive/internal/agent"
)

// Memory is an in-process Channel. It can simulate lost deliveries and
// failing subscriptions.
type Memory struct {
	mu            sync.Mutex
	buffer        int
	closed        bool
	topics        map[string]map[*stream]struct{}
	dropAll       bool
	failSubscribe error
	published     int64
	dropped       int64
}

var _ Channel = (*Memory)(nil)

// MemoryOption configures a Memory channel.
type MemoryOption func(*Memory)

// WithBuffer sets the per-subscription buffer size.
func WithBuffer(n int) MemoryOption {
	return func(m *Memory) { m.buffer = n }
}

// NewMemory returns an empty in-process channel.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{buffer: DefaultBuffer, topics: make(map[string]map[*stream]struct{})}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe implements Channel. The subscription ends when ctx is done.
func (m *Memory) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("subscribe %s: %w", topic, ErrClosed)
	}
	if m.failSubscribe != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, m.failSubscribe)
	}

	var s *stream
	var stop func() bool
	armed := make(chan struct{})
	s = newStream(m.buffer, func() {
		<-armed
		stop()
		m.remove(topic, s)
	})
	stop = context.AfterFunc(ctx, func() { s.Close() })
	close(armed)

	subs, ok := m.topics[topic]
	if !ok {
		subs = make(map[*stream]struct{})
		m.topics[topic] = subs
	}
	subs[s] = struct{}{}
	return s, nil
}

func (m *Memory) remove(topic string, s *stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.topics[topic], s)
}

// Publish implements Channel. Delivery to a full subscription is dropped.
func (m *Memory) Publish(ctx context.Context, topic string, origin agent.ID, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("publish %s: %w", topic, ErrClosed)
	}
	m.published++
	subs := make([]*stream, 0, len(m.topics[topic]))
	for s := range m.topics[topic] {
		subs = append(subs, s)
	}
	dropAll := m.dropAll
	m.mu.Unlock()

	msg := Message{Origin: origin, Payload: append([]byte(nil), payload...)}
	dropped := int64(0)
	for _, s := range subs {
		if dropAll || !s.deliver(msg) {
			dropped++
		}
	}

	if dropped > 0 {
		m.mu.Lock()
		m.dropped += dropped
		m.mu.Unlock()
	}
	return nil
}

// SetDropAll makes Publish drop every message when on.
func (m *Memory) SetDropAll(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropAll = on
}

// FailSubscribe makes Subscribe fail with err until called with nil.
func (m *Memory) FailSubscribe(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSubscribe = err
}

// Break ends every current subscription of topic with err, as a broken
// connection would.
func (m *Memory) Break(topic string, err error) {
	m.mu.Lock()
	subs := make([]*stream, 0, len(m.topics[topic]))
	for s := range m.topics[topic] {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.finish(err)
		s.Close()
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[topic])
}

// Published returns the number of Publish calls accepted.
func (m *Memory) Published() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published
}

// Dropped returns the number of deliveries dropped.
func (m *Memory) Dropped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Close ends every subscription and rejects further use.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var subs []*stream
	for _, set := range m.topics {
		for s := range set {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}
