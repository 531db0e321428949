// Package realtime exposes the per-user websocket channel used to push
// session events to the front end and receive interactive commands back.
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Message is the envelope for both directions of the channel.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler processes one inbound named event from a user's connection.
type Handler func(userID string, data json.RawMessage)

// Hub tracks one websocket connection per user. A reconnect replaces the
// previous connection.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.RWMutex
	conns    map[string]*conn
	handlers map[string]Handler
}

type conn struct {
	userID string
	ws     *websocket.Conn
	send   chan Message
	done   chan struct{}
	once   sync.Once
}

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The channel carries no credentials; auth is out of scope.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:   slog.Default().With("component", "realtime"),
		conns:    make(map[string]*conn),
		handlers: make(map[string]Handler),
	}
}

// On registers the handler for an inbound named event (pointer, key,
// screenshot request). Replaces any previous handler for the event.
func (h *Hub) On(event string, fn Handler) {
	h.mu.Lock()
	h.handlers[event] = fn
	h.mu.Unlock()
}

// Send pushes a named event to a user's connection. Dropped silently when
// the user is not connected or the write buffer is full.
func (h *Hub) Send(userID, event string, payload any) {
	h.mu.RLock()
	c := h.conns[userID]
	h.mu.RUnlock()
	if c == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("failed to marshal event payload", "event", event, "error", err)
		return
	}

	select {
	case c.send <- Message{Event: event, Data: data}:
	default:
		h.logger.Warn("dropping event for slow consumer", "user_id", userID, "event", event)
	}
}

// Connected reports whether a user currently has a live connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[userID] != nil
}

// SessionClosed implements session.Notifier: it informs the user's front
// end that their browser session was torn down.
func (h *Hub) SessionClosed(userID, sessionID string) {
	h.Send(userID, "session-closed", map[string]string{"session_id": sessionID})
}

// ServeUser upgrades the request and attaches the connection to the user,
// replacing any previous one. Blocks until the connection closes.
func (h *Hub) ServeUser(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	c := &conn{
		userID: userID,
		ws:     ws,
		send:   make(chan Message, 64),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if prev := h.conns[userID]; prev != nil {
		prev.close()
	}
	h.conns[userID] = c
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)

	h.mu.Lock()
	if h.conns[userID] == c {
		delete(h.conns, userID)
	}
	h.mu.Unlock()
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (h *Hub) readPump(c *conn) {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "user_id", c.userID, "error", err)
			}
			return
		}

		h.mu.RLock()
		handler := h.handlers[msg.Event]
		h.mu.RUnlock()

		if handler == nil {
			h.logger.Debug("no handler for inbound event", "event", msg.Event)
			continue
		}
		handler(c.userID, msg.Data)
	}
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
