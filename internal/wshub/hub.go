package wshub

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/coder/websocket"

	"quizroom/internal/events"
	"quizroom/internal/metrics"
)

// Client represents a single WebSocket connection in the hub. A user may hold
// several clients at once (reconnect races); the registry tracks which
// connections belong to which identity, the hub only moves bytes.
type Client struct {
	ConnID string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte
}

// WritePump reads from the Send channel and writes to the WebSocket connection.
func (c *Client) WritePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.Send:
			if !ok {
				return
			}
			if err := c.Conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}

// Hub manages live WebSocket connections, keyed by connection id.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ConnID] = c
	metrics.ConnectedClients.Set(float64(len(h.clients)))
}

// Unregister removes a client and closes its Send channel.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[connID]; ok {
		close(c.Send)
		delete(h.clients, connID)
	}
	metrics.ConnectedClients.Set(float64(len(h.clients)))
}

// Send delivers an envelope to one connection. Non-blocking: drops if the
// client's channel is full — delivery guarantees live in the ack layer, not
// here. Returns false if the connection is unknown or the frame was dropped.
func (h *Hub) Send(connID string, env events.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[WSHub] Marshal error: %v\n", err)
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		log.Printf("[WSHub] Send buffer full for %s, dropping %s\n", connID, env.Event)
		return false
	}
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
