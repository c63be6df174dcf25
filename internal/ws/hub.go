package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"argus/internal/pipeline"
)

const writeWait = 10 * time.Second

// client serializes writes to one connection; gorilla/websocket allows a
// single concurrent writer
type client struct {
	conn  *websocket.Conn
	kinds map[pipeline.EventKind]bool // empty means all kinds
	mu    sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *client) wants(kind pipeline.EventKind) bool {
	return len(c.kinds) == 0 || c.kinds[kind]
}

// EventHub manages WebSocket connections for live session events
type EventHub struct {
	clients map[*client]bool
	mu      sync.RWMutex
	logger  *zap.SugaredLogger
}

// NewEventHub creates a new event hub
func NewEventHub(logger *zap.SugaredLogger) *EventHub {
	return &EventHub{
		clients: make(map[*client]bool),
		logger:  logger.Named("ws"),
	}
}

// register adds a connection
func (h *EventHub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Infow("client registered", "remote", c.conn.RemoteAddr().String(), "total", n)
}

// unregister removes a connection
func (h *EventHub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		h.logger.Infow("client unregistered", "remote", c.conn.RemoteAddr().String())
	}
}

// ClientCount returns the number of connected clients
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to every client interested in its kind
func (h *EventHub) Broadcast(ev pipeline.Event) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.wants(ev.Kind) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(NewEventMessage(ev))
	if err != nil {
		h.logger.Errorw("failed to marshal event message", "error", err)
		return
	}

	for _, c := range targets {
		if err := c.write(websocket.TextMessage, data); err != nil {
			h.logger.Debugw("dropping client after write error", "error", err)
			h.unregister(c)
			c.conn.Close()
		}
	}
}

// Run broadcasts events from the bus until the channel closes or ctx is
// done, then closes every connection
func (h *EventHub) Run(ctx context.Context, events <-chan pipeline.Event) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(ev)
		}
	}
}

func (h *EventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.mu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		c.mu.Unlock()
		c.conn.Close()
		delete(h.clients, c)
	}
}
