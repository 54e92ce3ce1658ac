// Package wake implements the low-latency wake signal agents send each
// other after appending to the operation log.
//
// A wake channel is best-effort: messages may be dropped, delayed or
// lost with a broken connection. Receivers use it only to shorten the
// time until they next read the log.
package wake

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/derive/internal/agent"
)

// DefaultBuffer is the per-subscription buffer size. Messages arriving
// at a full buffer are dropped.
const DefaultBuffer = 64

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("wake channel closed")

// Message is one wake signal.
type Message struct {
	// Origin is the agent that published the signal.
	Origin agent.ID

	// Payload is opaque to the channel. Agents publish the log position
	// they appended.
	Payload []byte
}

// Subscription is a stream of messages on one topic.
type Subscription interface {
	// Messages is closed when the subscription ends, either by Close or
	// by a stream failure.
	Messages() <-chan Message

	// Err returns the failure that ended the stream, or nil.
	Err() error

	Close() error
}

// Channel is a pub/sub transport for wake signals.
type Channel interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Publish(ctx context.Context, topic string, origin agent.ID, payload []byte) error
}

// stream is the Subscription shared by every implementation: a bounded
// buffer that drops on overflow and closes exactly once.
type stream struct {
	messages chan Message

	mu       sync.Mutex
	finished bool
	err      error
	dropped  int64

	closeOnce sync.Once
	onClose   func()
}

func newStream(buffer int, onClose func()) *stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &stream{messages: make(chan Message, buffer), onClose: onClose}
}

func (s *stream) Messages() <-chan Message { return s.messages }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// deliver enqueues m without blocking. It reports false when m was
// dropped.
func (s *stream) deliver(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	select {
	case s.messages <- m:
		return true
	default:
		s.dropped++
		return false
	}
}

// finish ends the stream with err. Only the first call has effect.
func (s *stream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	close(s.messages)
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.finish(nil)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}
