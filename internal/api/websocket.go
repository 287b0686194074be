package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/optrail/optrail/internal/op"
)

// feedSnapshotLimit caps how many recent operations a new subscriber
// receives at connect time.
const feedSnapshotLimit = 25

// feedEnvelope is the frame shape sent to live feed subscribers. A
// snapshot frame carries the recent operations once at connect time;
// event frames carry one lifecycle event each.
type feedEnvelope struct {
	Type       string          `json:"type"` // snapshot, event
	Kind       string          `json:"kind,omitempty"`
	Operation  *op.Operation   `json:"operation,omitempty"`
	Operations []*op.Operation `json:"operations,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// newUpgrader builds the WebSocket upgrader. With allowAllOrigins unset,
// browser requests must come from the host they connect to; non-browser
// clients send no Origin header and are accepted.
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || strings.Contains(origin, r.Host)
		},
	}
}

// FeedHub fans operation lifecycle events out to WebSocket subscribers.
// Each new subscriber first receives a snapshot of the recent operations,
// so a dashboard can render without a separate list call.
type FeedHub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]struct{}
	closed   bool
	upgrader websocket.Upgrader
	snapshot func() []*op.Operation
	logger   *slog.Logger
}

// NewFeedHub creates a hub. snapshot supplies the operations sent to each
// new subscriber; nil disables the connect-time snapshot.
func NewFeedHub(snapshot func() []*op.Operation, logger *slog.Logger, allowAllOrigins bool) *FeedHub {
	return &FeedHub{
		clients:  make(map[*websocket.Conn]struct{}),
		upgrader: newUpgrader(allowAllOrigins),
		snapshot: snapshot,
		logger:   logger,
	}
}

// Subscribe upgrades the connection and registers it for the live feed.
func (h *FeedHub) Subscribe(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	// The snapshot is written before the connection joins the broadcast
	// set, so it can never interleave with a broadcast frame.
	if h.snapshot != nil {
		if recent := h.snapshot(); len(recent) > 0 {
			h.writeEnvelope(conn, feedEnvelope{
				Type:       "snapshot",
				Operations: recent,
				Timestamp:  time.Now(),
			})
		}
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	subscribers := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("feed subscriber connected",
		"remote", conn.RemoteAddr(),
		"subscribers", subscribers,
	)

	// Read pump: inbound frames are discarded, a read error drops the
	// subscriber.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast fans one lifecycle event out to every subscriber. Callers
// must serialize Broadcast calls; the event dispatch goroutine is the
// only caller, so per-connection writes never race.
func (h *FeedHub) Broadcast(ev op.Event) {
	msg, err := json.Marshal(feedEnvelope{
		Type:      "event",
		Kind:      ev.Kind,
		Operation: ev.Operation,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		h.logger.Error("failed to marshal feed event", "error", err)
		return
	}

	h.mu.RLock()
	var dead []*websocket.Conn
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			dead = append(dead, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range dead {
		h.drop(conn)
	}
}

// Close disconnects every subscriber and refuses new ones.
func (h *FeedHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

// SubscriberCount returns the number of connected feed subscribers.
func (h *FeedHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *FeedHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, present := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	_ = conn.Close()
	if present {
		h.logger.Debug("feed subscriber disconnected", "remote", conn.RemoteAddr())
	}
}

func (h *FeedHub) writeEnvelope(conn *websocket.Conn, env feedEnvelope) {
	msg, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to marshal feed snapshot", "error", err)
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, msg)
}
