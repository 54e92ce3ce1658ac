package wake

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	modeSubscribe = "subscribe"
	modePublish   = "publish"
)

// Hub relays wake frames between websocket clients. Frames read from a
// publishing connection are broadcast to every subscriber of the same
// topic. A subscriber that cannot keep up loses frames.
type Hub struct {
	settings WebSocketSettings
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
	topics map[string]map[*hubConn]struct{}
	conns  map[*websocket.Conn]struct{}
	wg     sync.WaitGroup
}

type hubConn struct {
	send chan frame
}

// NewHub returns a hub ready to be mounted on an HTTP server.
func NewHub(settings WebSocketSettings, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	settings = settings.withDefaults()
	return &Hub{
		settings: settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		logger: logger,
		topics: make(map[string]map[*hubConn]struct{}),
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request. The topic and mode query parameters
// select the relay direction.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		http.Error(w, "missing topic", http.StatusBadRequest)
		return
	}
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = modeSubscribe
	}
	if mode != modeSubscribe && mode != modePublish {
		http.Error(w, "unknown mode "+mode, http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	if !h.track(conn) {
		conn.Close()
		return
	}
	defer h.untrack(conn)

	if mode == modePublish {
		h.relay(conn, topic)
		return
	}
	h.serveSubscriber(conn, topic)
}

func (h *Hub) track(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.Close()
	h.wg.Done()
}

// relay reads frames from a publisher until it disconnects.
func (h *Hub) relay(conn *websocket.Conn, topic string) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("publisher disconnected", "topic", topic, "error", err)
			}
			return
		}
		h.broadcast(topic, f)
	}
}

func (h *Hub) broadcast(topic string, f frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.topics[topic] {
		select {
		case sub.send <- f:
		default:
			h.logger.Debug("subscriber buffer full, dropping wake", "topic", topic)
		}
	}
}

// serveSubscriber writes broadcast frames and pings to conn. A reader
// goroutine consumes control frames and detects disconnects.
func (h *Hub) serveSubscriber(conn *websocket.Conn, topic string) {
	buffer := h.settings.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &hubConn{send: make(chan frame, buffer)}

	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*hubConn]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.topics[topic], sub)
		if len(h.topics[topic]) == 0 {
			delete(h.topics, topic)
		}
		h.mu.Unlock()
	}()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	var ping <-chan time.Time
	if h.settings.PingInterval > 0 {
		ticker := time.NewTicker(h.settings.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-gone:
			return
		case f := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(h.settings.WriteTimeout))
			if err := conn.WriteJSON(f); err != nil {
				h.logger.Debug("subscriber write failed", "topic", topic, "error", err)
				return
			}
		case <-ping:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.settings.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// Subscribers returns the number of connected subscribers on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// Close disconnects every client and waits for their handlers to return.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	for conn := range h.conns {
		conn.Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
	return nil
}
