package ws

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// client is one connected websocket session.
type client struct {
	id   uint64
	send chan Message
}

// Hub fans telemetry out to connected clients. Broadcast never blocks:
// a client whose queue is full misses the message.
type Hub struct {
	mu      sync.RWMutex
	clients map[uint64]*client
	nextID  atomic.Uint64
	dropped atomic.Uint64
	closed  bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[uint64]*client)}
}

func (h *Hub) add(sendBuf int) (*client, bool) {
	if sendBuf <= 0 {
		sendBuf = 64
	}
	c := &client{id: h.nextID.Add(1), send: make(chan Message, sendBuf)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.clients[c.id] = c
	slog.Info("telemetry client added", "client_id", c.id, "total_clients", len(h.clients))
	return c, true
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return
	}
	delete(h.clients, id)
	close(c.send)
	slog.Info("telemetry client removed", "client_id", id, "remaining_clients", len(h.clients))
}

// sendTo queues msg for one client without blocking.
func (h *Hub) sendTo(id uint64, msg Message) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	if !ok {
		return false
	}
	return h.trySend(c, msg)
}

// Broadcast queues msg for every client and returns how many accepted it.
func (h *Hub) Broadcast(msg Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for _, c := range h.clients {
		if h.trySend(c, msg) {
			sent++
		}
	}
	return sent
}

// trySend must be called with h.mu held so c.send cannot be closed
// concurrently.
func (h *Hub) trySend(c *client, msg Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were discarded for slow clients.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}
