// Package liveserver streams JSON messages to WebSocket subscribers.
package liveserver

import (
	"context"
	"sync"
	"sync/atomic"

	"tradeguard/internal/core"
)

const clientBuffer = 256

// Client is one subscriber's outbound queue
type Client struct {
	id     string
	send   chan Message
	mu     sync.Mutex
	closed bool
}

func NewClient(id string) *Client {
	return &Client{id: id, send: make(chan Message, clientBuffer)}
}

// Send queues msg without blocking. It reports false when the client is
// closed or its queue is full.
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Messages is the queue drained by the connection's write pump
func (c *Client) Messages() <-chan Message {
	return c.send
}

// Close is idempotent
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub fans broadcast messages out to registered clients. Slow clients are
// disconnected rather than allowed to block the fan-out.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	broadcast chan Message
	register  chan *Client

	dropped atomic.Int64
	seq     atomic.Uint64
	logger  core.ILogger
}

func NewHub(logger core.ILogger) *Hub {
	return &Hub{
		clients:   make(map[*Client]struct{}),
		broadcast: make(chan Message, clientBuffer),
		register:  make(chan *Client),
		logger:    logger.WithField("component", "stream_hub"),
	}
}

// Run owns the client set until ctx is cancelled, then closes every client
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Stream client registered", "client_id", c.id, "total_clients", n)

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				targets = append(targets, c)
			}
			h.mu.RUnlock()

			for _, c := range targets {
				if !c.Send(msg) {
					h.logger.Warn("Disconnecting slow stream client", "client_id", c.id)
					h.remove(c)
				}
			}
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.Close()
		h.logger.Debug("Stream client unregistered", "client_id", c.id, "total_clients", n)
	}
}

// Register blocks until the hub loop accepts c or ctx ends
func (h *Hub) Register(ctx context.Context, c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unregister closes c and forgets it. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.remove(c)
}

// Broadcast stamps msg with the next sequence number and queues it for every
// client, dropping it when the hub is saturated. A dropped frame still uses
// its number so readers see the gap.
func (h *Hub) Broadcast(msg Message) {
	msg.Seq = h.seq.Add(1)
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
		h.logger.Warn("Stream broadcast queue full, dropping message", "type", msg.Type, "seq", msg.Seq)
	}
}

// Seq is the last sequence number handed out
func (h *Hub) Seq() uint64 {
	return h.seq.Load()
}

// Dropped counts broadcasts lost to a full queue
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
