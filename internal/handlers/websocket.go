package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"labcap/internal/models"
	"labcap/internal/session"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 64 // buffered channel size; events drop when full
)

// Hub fans capture lifecycle events out to WebSocket clients. Broadcast is
// a session.Listener.
type Hub struct {
	mgr      *session.Manager
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// NewHub creates a hub. An empty allowedOrigins accepts any origin.
func NewHub(mgr *session.Manager, allowedOrigins []string) *Hub {
	h := &Hub{mgr: mgr, clients: make(map[*WSClient]struct{})}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			return slices.Contains(allowedOrigins, r.Header.Get("Origin"))
		},
	}
	return h
}

// Broadcast queues ev for every client subscribed to its capture key.
func (h *Hub) Broadcast(ev models.SessionEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("encode capture event", "capture_key", ev.CaptureKey, "error", err)
		return
	}
	msg := models.WSMessage{Type: ev.Type, Payload: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.wants(ev.CaptureKey) {
			c.SendMessage(msg)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// HandleWebSocket is the HTTP handler for WebSocket upgrades.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := newWSClient(conn, h)
	c.readLoop()
}

// WSClient is one WebSocket connection.
type WSClient struct {
	conn   *websocket.Conn
	hub    *Hub
	sendCh chan models.WSMessage
	done   chan struct{}

	mu   sync.RWMutex
	keys map[string]struct{} // nil subscribes to every key
}

func newWSClient(conn *websocket.Conn, hub *Hub) *WSClient {
	c := &WSClient{
		conn:   conn,
		hub:    hub,
		sendCh: make(chan models.WSMessage, sendBuffer),
		done:   make(chan struct{}),
	}
	hub.register(c)
	go c.writeLoop()
	return c
}

func (c *WSClient) wants(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keys == nil {
		return true
	}
	_, ok := c.keys[key]
	return ok
}

func (c *WSClient) subscribe(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(keys) == 0 {
		c.keys = nil
		return
	}
	c.keys = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		c.keys[k] = struct{}{}
	}
}

// SendMessage queues a message for async delivery. Non-blocking: drops if
// the buffer is full.
func (c *WSClient) SendMessage(msg models.WSMessage) {
	select {
	case <-c.done:
	case c.sendCh <- msg:
	default:
		slog.Warn("websocket client too slow, dropping event", "type", msg.Type)
	}
}

func (c *WSClient) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSClient) readLoop() {
	defer func() {
		c.hub.unregister(c)
		close(c.done)
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg models.WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}
		c.handleCommand(msg)
	}
}

func (c *WSClient) handleCommand(msg models.WSMessage) {
	switch msg.Type {
	case models.MsgSubscribe:
		var req models.SubscribeRequest
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				c.sendError("invalid subscribe payload")
				return
			}
		}
		c.subscribe(req.CaptureKeys)

	case models.MsgStatus:
		var req struct {
			CaptureKey string `json:"capture_key"`
		}
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.CaptureKey == "" {
			c.sendError("invalid status payload")
			return
		}
		st, err := c.hub.mgr.Status(req.CaptureKey)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		payload, _ := json.Marshal(struct {
			CaptureKey string               `json:"capture_key"`
			Status     models.CaptureStatus `json:"status"`
		}{req.CaptureKey, st.Response()})
		c.SendMessage(models.WSMessage{Type: models.MsgStatus, Payload: payload})

	default:
		c.sendError("unknown command: " + msg.Type)
	}
}

func (c *WSClient) sendError(message string) {
	payload, _ := json.Marshal(models.ErrorPayload{Message: message})
	c.SendMessage(models.WSMessage{Type: models.MsgError, Payload: payload})
}
