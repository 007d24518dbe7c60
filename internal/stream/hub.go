// Package stream fans pipeline output out to HTTP clients.
package stream

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/logger"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 2

// Hub fans values out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the value.
type Hub[T any] struct {
	name    string
	buffer  int
	mu      sync.Mutex
	clients map[string]chan T
	closed  bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a hub. name tags log lines.
func NewHub[T any](name string, buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub[T]{
		name:    name,
		buffer:  buffer,
		clients: make(map[string]chan T),
	}
}

// Subscribe adds a client. After Close the returned channel is already closed.
func (h *Hub[T]) Subscribe() (string, <-chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan T, h.buffer)
	if h.closed {
		close(ch)
		return id, ch
	}
	h.clients[id] = ch

	logger.Debug(h.name, "Client %s subscribed (total clients: %d)", id[:8], len(h.clients))
	return id, ch
}

// Unsubscribe removes a client and closes its channel.
func (h *Hub[T]) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
		logger.Debug(h.name, "Client %s unsubscribed (remaining clients: %d)", id[:8], len(h.clients))
	}
}

// Publish delivers v to every subscriber with room in its buffer.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.published.Add(1)
	for _, ch := range h.clients {
		select {
		case ch <- v:
		default:
			h.dropped.Add(1)
		}
	}
}

// Close ends every subscription. Further publishes are ignored.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
	logger.Info(h.name, "Closed (published=%d, dropped=%d)", h.published.Load(), h.dropped.Load())
}

// ClientCount returns the number of subscribers.
func (h *Hub[T]) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Published returns the number of values published.
func (h *Hub[T]) Published() uint64 { return h.published.Load() }

// Dropped returns the number of per-subscriber deliveries skipped.
func (h *Hub[T]) Dropped() uint64 { return h.dropped.Load() }
