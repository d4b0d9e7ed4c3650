package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/repsense/internal/observability"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 1 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans JSON messages out to websocket clients. Every client has its own
// send queue; a client whose queue is full is dropped instead of blocking
// the broadcaster.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// add registers conn and starts its write pump.
func (h *Hub) add(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	observability.SetWebsocketClients(n)
	go c.writePump()
	return c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	h.drop(c)
	n := len(h.clients)
	h.mu.Unlock()
	observability.SetWebsocketClients(n)
}

// drop is called with mu held.
func (h *Hub) drop(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast marshals v once and queues it for every client.
func (h *Hub) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("[SERVER] encoding websocket message", "error", err)
		return
	}

	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slog.Warn("[SERVER] dropping slow websocket client", "queued", len(c.send))
			h.drop(c)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	observability.SetWebsocketClients(n)
}

// send queues v for a single client.
func (h *Hub) send(c *client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		h.drop(c)
	}
	h.mu.Unlock()
	observability.SetWebsocketClients(0)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
