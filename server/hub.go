package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"bffd/chat"
)

const (
	hubWriteWait      = 10 * time.Second
	hubPongWait       = 60 * time.Second
	hubPingPeriod     = (hubPongWait * 9) / 10
	hubMaxMessageSize = 64 << 10
	hubSendBuffer     = 32
)

// Realtime frame types.
const (
	FrameJoin    = "join"
	FrameLeave   = "leave"
	FrameSend    = "send"
	FrameMessage = "message"
	FrameError   = "error"
)

// InboundFrame is a client to server websocket frame.
type InboundFrame struct {
	Type    string `json:"type"`
	ChatID  string `json:"chatId"`
	Content string `json:"content,omitempty"`
}

// OutboundFrame is a server to client websocket frame.
type OutboundFrame struct {
	Type    string        `json:"type"`
	Message *chat.Message `json:"message,omitempty"`
	ChatID  string        `json:"chatId,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// RealtimeAuthGate rejects channel connections without an authenticated identity before
// any upgrade happens. It never redirects.
func (a *App) RealtimeAuthGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Sessions.Fetch(r)
		if err != nil {
			a.Logger.Debug("realtime identity rejected", "error", err)
		}
		if id == nil || id.Subject == "" {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// Hub fans chat messages out to websocket connections grouped by chat id.
type Hub struct {
	service  chat.Service
	logger   *slog.Logger
	upgrader websocket.Upgrader
	gauge    prometheus.Gauge

	mu     sync.Mutex
	groups map[string]map[*hubConn]struct{}
}

type hubConn struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan []byte
	joined map[string]struct{}
}

// NewHub builds a hub. allowedOrigins extends the same-origin default for upgrades.
func NewHub(service chat.Service, allowedOrigins []string, gauge prometheus.Gauge, logger *slog.Logger) *Hub {
	h := &Hub{
		service: service,
		logger:  logger,
		gauge:   gauge,
		groups:  make(map[string]map[*hubConn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return checkOrigin(r, allowedOrigins)
		},
	}
	return h
}

// ServeHTTP upgrades the request and runs the connection until the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	if id == nil || id.Subject == "" {
		writeUnauthorized(w)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &hubConn{
		id:     uuid.NewString(),
		userID: id.Subject,
		ws:     ws,
		send:   make(chan []byte, hubSendBuffer),
		joined: make(map[string]struct{}),
	}
	if h.gauge != nil {
		h.gauge.Inc()
	}
	h.logger.Info("realtime connection opened", "conn_id", c.id, "user_sub", c.userID)

	done := make(chan struct{})
	go func() {
		h.writePump(c)
		close(done)
	}()
	h.readPump(r, c)

	h.disconnect(c)
	<-done
	if h.gauge != nil {
		h.gauge.Dec()
	}
	h.logger.Info("realtime connection closed", "conn_id", c.id, "user_sub", c.userID)
}

func (h *Hub) readPump(r *http.Request, c *hubConn) {
	c.ws.SetReadLimit(hubMaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(hubPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(hubPongWait))
	})

	for {
		var frame InboundFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("realtime read failed", "conn_id", c.id, "error", err)
			}
			return
		}

		switch frame.Type {
		case FrameJoin:
			if frame.ChatID == "" {
				h.reply(c, OutboundFrame{Type: FrameError, Error: "chatId required"})
				continue
			}
			h.join(c, frame.ChatID)
		case FrameLeave:
			h.leave(c, frame.ChatID)
		case FrameSend:
			h.handleSend(r, c, frame)
		default:
			h.reply(c, OutboundFrame{Type: FrameError, Error: "unknown frame type"})
		}
	}
}

func (h *Hub) handleSend(r *http.Request, c *hubConn, frame InboundFrame) {
	if c.userID == "" {
		h.reply(c, OutboundFrame{Type: FrameError, Error: "Unauthorized"})
		return
	}
	msg, err := h.service.AddMessage(r.Context(), c.userID, frame.ChatID, frame.Content)
	if err != nil {
		if errors.Is(err, chat.ErrNotParticipant) {
			h.reply(c, OutboundFrame{Type: FrameError, ChatID: frame.ChatID, Error: "Unauthorized"})
			return
		}
		h.logger.Error("chat message rejected", "conn_id", c.id, "chat_id", frame.ChatID, "error", err)
		h.reply(c, OutboundFrame{Type: FrameError, ChatID: frame.ChatID, Error: "message rejected"})
		return
	}
	h.broadcast(frame.ChatID, OutboundFrame{Type: FrameMessage, ChatID: frame.ChatID, Message: &msg})
}

func (h *Hub) writePump(c *hubConn) {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) join(c *hubConn, chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.groups[chatID]
	if !ok {
		group = make(map[*hubConn]struct{})
		h.groups[chatID] = group
	}
	group[c] = struct{}{}
	c.joined[chatID] = struct{}{}
}

func (h *Hub) leave(c *hubConn, chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, chatID)
}

func (h *Hub) removeLocked(c *hubConn, chatID string) {
	if group, ok := h.groups[chatID]; ok {
		delete(group, c)
		if len(group) == 0 {
			delete(h.groups, chatID)
		}
	}
	delete(c.joined, chatID)
}

// disconnect drops c from every group and closes its send queue. Broadcasts hold h.mu,
// so nothing writes to c.send after this returns.
func (h *Hub) disconnect(c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for chatID := range c.joined {
		h.removeLocked(c, chatID)
	}
	close(c.send)
}

func (h *Hub) broadcast(chatID string, frame OutboundFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("encode frame", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.groups[chatID] {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("realtime send queue full, dropping frame", "conn_id", c.id)
		}
	}
}

// reply queues a frame for a single connection. Only the connection's own read loop calls it.
func (h *Hub) reply(c *hubConn, frame OutboundFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("encode frame", "error", err)
		return
	}
	select {
	case c.send <- payload:
	default:
		h.logger.Warn("realtime send queue full, dropping frame", "conn_id", c.id)
	}
}

// GroupSize reports how many connections joined chatID.
func (h *Hub) GroupSize(chatID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups[chatID])
}

func checkOrigin(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if originAllowed(origin, allowed) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
