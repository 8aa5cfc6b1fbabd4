package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is a single frame pushed to subscribers.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Sink receives events. A failed Send removes the sink from the hub.
type Sink interface {
	Send(ev Event) error
	Close() error
}

// Hub fans events out to registered sinks. Sinks are keyed by an opaque
// id chosen by the caller so a websocket handler can unregister its own
// connection on read error.
type Hub struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

func NewHub() *Hub {
	return &Hub{sinks: make(map[string]Sink)}
}

// Register adds a sink. The caller is expected to deliver a full
// snapshot to the sink before registering so the subscriber never sees
// a diff without its base state.
func (h *Hub) Register(id string, s Sink) {
	h.mu.Lock()
	h.sinks[id] = s
	n := len(h.sinks)
	h.mu.Unlock()
	slog.Debug("stream subscriber registered", "id", id, "subscribers", n)
}

// Unregister removes and closes a sink. Unknown ids are a no-op.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	s, ok := h.sinks[id]
	if ok {
		delete(h.sinks, id)
	}
	n := len(h.sinks)
	h.mu.Unlock()
	if !ok {
		return
	}
	s.Close()
	slog.Debug("stream subscriber unregistered", "id", id, "subscribers", n)
}

// Broadcast sends an event to every sink. A sink whose Send fails is
// dropped; the remaining sinks still receive the event.
func (h *Hub) Broadcast(eventType string, payload any) {
	ev := Event{Type: eventType, Payload: payload}

	h.mu.RLock()
	targets := make(map[string]Sink, len(h.sinks))
	for id, s := range h.sinks {
		targets[id] = s
	}
	h.mu.RUnlock()

	for id, s := range targets {
		if err := s.Send(ev); err != nil {
			slog.Warn("dropping stream subscriber after write failure", "id", id, "error", err)
			h.Unregister(id)
		}
	}
}

// Count returns the number of registered sinks.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

// CloseAll unregisters every sink. Used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sinks := h.sinks
	h.sinks = make(map[string]Sink)
	h.mu.Unlock()
	for _, s := range sinks {
		s.Close()
	}
}

const writeTimeout = 10 * time.Second

// WSClient adapts a websocket connection into a Sink. gorilla/websocket
// allows only one concurrent writer per connection, so writes are
// serialized with a mutex.
type WSClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSClient(conn *websocket.Conn) *WSClient {
	return &WSClient{conn: conn}
}

func (c *WSClient) Send(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling stream event: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing stream event: %w", err)
	}
	return nil
}

func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
