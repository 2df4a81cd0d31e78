// Package realtime is the session channel transport. Each browser joins
// the channel of its own session id over a WebSocket, and enforcement
// commands published for that id reach only those connections.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"traffic-prism/internal/metrics"
	"traffic-prism/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096

	DefaultSendBuffer = 16
	DefaultMaxClients = 10000
)

// normalCloseCodes are close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Client is one WebSocket connection joined to a session channel.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	closeOnce sync.Once
}

// Hub routes commands to the connections subscribed to each session id.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]map[*Client]struct{}
	clients    int
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	sendBuffer int
	maxClients int
	done       chan struct{}
	stopOnce   sync.Once
}

type HubOption func(*Hub)

// WithAllowedOrigins restricts browser origins; "*" or an empty list
// accepts any origin.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) {
		allowed := make(map[string]struct{}, len(origins))
		for _, o := range origins {
			if o == "*" {
				return
			}
			allowed[o] = struct{}{}
		}
		if len(allowed) == 0 {
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}
}

func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

func WithMaxClients(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

func NewHub(logger *zap.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		rooms: make(map[string]map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:     logger,
		sendBuffer: DefaultSendBuffer,
		maxClients: DefaultMaxClients,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish delivers cmd to every connection on the session's channel and
// returns how many accepted it. It never blocks: a connection whose
// buffer is full misses the message.
func (h *Hub) Publish(sessionID string, cmd models.Command) int {
	payload, err := json.Marshal(cmd)
	if err != nil {
		h.logger.Error("Failed to encode command", zap.String("session_id", sessionID), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.rooms[sessionID] {
		select {
		case c.send <- payload:
			delivered++
		default:
			metrics.ChannelDropped.Inc()
			h.logger.Warn("Session channel buffer full, dropping command",
				zap.String("session_id", sessionID),
				zap.String("kind", string(cmd.Kind)))
		}
	}
	return delivered
}

// Subscribers reports how many connections are joined to a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Session channel hub started")
	<-ctx.Done()
	h.Stop()
}

// Stop closes every connection and rejects new ones.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for sessionID, room := range h.rooms {
			for c := range room {
				c.close()
			}
			delete(h.rooms, sessionID)
		}
		h.clients = 0
		h.mu.Unlock()
		metrics.ChannelClients.Set(0)
		h.logger.Info("Session channel hub stopped")
	})
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		return false
	default:
	}
	if h.clients >= h.maxClients {
		return false
	}
	room, ok := h.rooms[c.sessionID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[c.sessionID] = room
	}
	room[c] = struct{}{}
	h.clients++
	metrics.ChannelClients.Set(float64(h.clients))
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[c.sessionID]
	if !ok {
		return
	}
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.sessionID)
	}
	h.clients--
	c.close()
	metrics.ChannelClients.Set(float64(h.clients))
}

// HandleWebSocket joins the caller to the channel named by ?session_id=.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &Client{
		hub:       h,
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, h.sendBuffer),
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	h.logger.Debug("Session channel joined", zap.String("session_id", sessionID))

	go c.writePump()
	go c.readPump()
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// readPump only services control frames; the channel is one-way.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("WebSocket read error", zap.String("session_id", c.sessionID), zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("WebSocket write error", zap.String("session_id", c.sessionID), zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
