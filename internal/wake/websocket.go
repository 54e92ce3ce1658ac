package wake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/derive/internal/agent"
)

// frame is the JSON shape of a wake message on a websocket.
type frame struct {
	Origin  agent.ID `json:"origin"`
	Payload []byte   `json:"payload,omitempty"`
}

// WebSocketSettings tunes the websocket client and hub.
type WebSocketSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout bounds the silence tolerated on a subscription. The hub
	// pings more often than this.
	ReadTimeout  time.Duration
	PingInterval time.Duration
	Buffer       int
}

// DefaultWebSocketSettings returns the settings used for any zero field.
func DefaultWebSocketSettings() WebSocketSettings {
	return WebSocketSettings{
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		PingInterval:     5 * time.Second,
		Buffer:           DefaultBuffer,
	}
}

func (s WebSocketSettings) withDefaults() WebSocketSettings {
	d := DefaultWebSocketSettings()
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = d.HandshakeTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = d.WriteTimeout
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = d.ReadTimeout
	}
	if s.PingInterval <= 0 {
		s.PingInterval = d.PingInterval
	}
	if s.Buffer <= 0 {
		s.Buffer = d.Buffer
	}
	return s
}

// WebSocket is a Channel client for a Hub. Subscriptions hold one
// connection each; publishing reuses one connection per topic.
type WebSocket struct {
	endpoint string
	settings WebSocketSettings
	dialer   *websocket.Dialer
	logger   *slog.Logger

	mu         sync.Mutex
	closed     bool
	publishers map[string]*websocket.Conn
}

var _ Channel = (*WebSocket)(nil)

// NewWebSocket returns a client for the hub at endpoint, for example
// "ws://localhost:7070/ws".
func NewWebSocket(endpoint string, settings WebSocketSettings, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	settings = settings.withDefaults()
	return &WebSocket{
		endpoint: endpoint,
		settings: settings,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		logger:     logger,
		publishers: make(map[string]*websocket.Conn),
	}
}

func (w *WebSocket) dial(ctx context.Context, topic, mode string) (*websocket.Conn, error) {
	u, err := url.Parse(w.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", w.endpoint, err)
	}
	q := u.Query()
	q.Set("topic", topic)
	q.Set("mode", mode)
	u.RawQuery = q.Encode()

	conn, _, err := w.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	return conn, nil
}

// Subscribe implements Channel.
func (w *WebSocket) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("subscribe %s: %w", topic, ErrClosed)
	}

	conn, err := w.dial(ctx, topic, modeSubscribe)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	s := newStream(w.settings.Buffer, func() { conn.Close() })
	stop := context.AfterFunc(ctx, func() { s.Close() })

	readTimeout := w.settings.ReadTimeout
	conn.SetPingHandler(func(data string) error {
		if readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(w.settings.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	go func() {
		defer stop()
		for {
			if readTimeout > 0 {
				conn.SetReadDeadline(time.Now().Add(readTimeout))
			}
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.finish(nil)
				} else {
					s.finish(fmt.Errorf("read %s: %w", topic, err))
				}
				conn.Close()
				return
			}
			s.deliver(Message{Origin: f.Origin, Payload: f.Payload})
		}
	}()

	return s, nil
}

// Publish implements Channel. A failed write drops the cached
// connection so the next Publish redials.
func (w *WebSocket) Publish(ctx context.Context, topic string, origin agent.ID, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("publish %s: %w", topic, ErrClosed)
	}

	conn, ok := w.publishers[topic]
	if !ok {
		var err error
		conn, err = w.dial(ctx, topic, modePublish)
		if err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		w.publishers[topic] = conn
	}

	deadline := time.Now().Add(w.settings.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(frame{Origin: origin, Payload: payload}); err != nil {
		conn.Close()
		delete(w.publishers, topic)
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close closes the publishing connections. Subscriptions are closed by
// their owners.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	var errs []error
	for topic, conn := range w.publishers {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(w.settings.WriteTimeout))
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher %s: %w", topic, err))
		}
		delete(w.publishers, topic)
	}
	return errors.Join(errs...)
}
