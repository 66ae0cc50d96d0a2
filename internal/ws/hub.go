package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"safesight/internal/model"
)

const (
	writeTimeout   = 10 * time.Second
	sendBufferSize = 32
)

// client is one connected consumer. Frames go through a buffered send
// channel so the publisher never waits on a slow socket.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub pushes fleet snapshots to connected presentation clients. It
// implements engine.Observer: every processed event ends with a broadcast.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	logger  *slog.Logger

	upgrader websocket.Upgrader
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]bool),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Publish enqueues the snapshot for every connected client. Publish never
// blocks: a client whose buffer is full misses this frame and catches up
// on the next one.
func (h *Hub) Publish(snap model.Snapshot) {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n == 0 {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("snapshot marshal error", "err", err)
		}
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// client is behind; skip this frame rather than stall
		}
	}
}

// drop removes the client and closes its send channel exactly once. The
// channel close is what terminates the client's writePump.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler upgrades the connection and enqueues the current snapshot so a
// new client renders immediately instead of waiting for the next event.
func (h *Hub) Handler(snapshot func() model.Snapshot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			if h.logger != nil {
				h.logger.Warn("websocket upgrade failed", "err", err)
			}
			return
		}
		c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}
		h.mu.Lock()
		h.clients[c] = true
		h.mu.Unlock()
		if snapshot != nil {
			if data, err := json.Marshal(snapshot()); err == nil {
				c.send <- data
			}
		}
		go h.writePump(c)
		go h.readLoop(c)
	}
}

func (h *Hub) writePump(c *client) {
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			if h.logger != nil {
				h.logger.Warn("websocket write error, dropping client", "err", err)
			}
			break
		}
	}
	h.drop(c)
}

// readLoop drains client frames so pings/close are processed; the feed is
// one-way.
func (h *Hub) readLoop(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(1024)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
