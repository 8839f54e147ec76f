// Package events fans out town events to live subscribers.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	TypeStep = "step"
	TypeChat = "chat"
	TypeMove = "move"
	TypeSim  = "sim"
)

// Event is one thing that happened in the town.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Hub fans out encoded events to subscriber channels. Slow subscribers
// with a full buffer miss events rather than blocking publishers.
type Hub struct {
	logger *slog.Logger
	buffer int

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
	hooks       []func(Event)
	closed      bool

	dropped atomic.Int64
}

// NewHub creates a hub. buffer <= 0 uses DefaultBuffer.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		logger:      logger,
		buffer:      buffer,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// OnEvent registers a synchronous hook called for every published event.
// Hooks run on the publisher's goroutine and must be fast.
func (h *Hub) OnEvent(fn func(Event)) {
	h.mu.Lock()
	h.hooks = append(h.hooks, fn)
	h.mu.Unlock()
}

// Subscribe returns a channel that receives JSON-encoded events.
// The caller must call Unsubscribe when done. After Close the returned
// channel is already closed.
func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, h.buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[ch]; !ok {
		return
	}
	delete(h.subscribers, ch)
	close(ch)
}

// Publish stamps and broadcasts an event.
func (h *Hub) Publish(typ string, data any) {
	h.PublishEvent(Event{Type: typ, At: time.Now().UTC(), Data: data})
}

// PublishEvent broadcasts e as-is.
func (h *Hub) PublishEvent(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("events: encode failed", "type", e.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, fn := range h.hooks {
		fn(e)
	}
	if h.closed {
		return
	}
	for ch := range h.subscribers {
		select {
		case ch <- payload:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close disconnects every subscriber. Publishing after Close only runs
// hooks.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, ch)
	}
}
