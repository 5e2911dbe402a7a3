package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/waypost-im/waypost/store"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// clientConn is one connected client. Writes go through mu.
type clientConn struct {
	id     string
	userID string
	conn   *websocket.Conn
	mu     sync.Mutex
}

func (c *clientConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// clientCommand is what clients send over the socket: session subscription
// management only, the channel is otherwise one-way hub -> client.
type clientCommand struct {
	Action    string `json:"action"` // subscribe | unsubscribe
	SessionID string `json:"sessionId"`
}

// Hub fans session events out to subscribed WebSocket clients. It implements
// Notifier.
type Hub struct {
	store    store.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	subscribers map[string]map[string]*clientConn // session_id -> conn_id -> conn
}

// NewHub creates a client push hub.
func NewHub(s store.Store, allowedOrigins []string, logger *slog.Logger) *Hub {
	return &Hub{
		store:       s,
		logger:      logger.With("component", "notify"),
		upgrader:    makeUpgrader(allowedOrigins),
		subscribers: make(map[string]map[string]*clientConn),
	}
}

// Notify pushes an event to every client subscribed to the session.
// Slow or broken clients are dropped, never waited on.
func (h *Hub) Notify(_ context.Context, event Event) {
	h.mu.RLock()
	conns := make([]*clientConn, 0, len(h.subscribers[event.SessionID]))
	for _, c := range h.subscribers[event.SessionID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.send(event); err != nil {
			h.logger.Debug("client push failed, dropping connection", "conn_id", c.id, "error", err)
			h.drop(c)
		}
	}
}

// HandleClientWS upgrades a client connection and serves its subscription
// loop until the peer goes away. The caller has already authenticated the
// user; userID scopes which sessions may be subscribed to.
func (h *Hub) HandleClientWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	c := &clientConn{id: uuid.New().String(), userID: userID, conn: conn}
	conn.SetReadLimit(4096)

	stopKeepalive := startWSKeepalive(conn, &c.mu)
	defer stopKeepalive()
	defer h.drop(c)

	h.logger.Debug("client connected", "conn_id", c.id, "user_id", userID)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(msg, &cmd); err != nil {
			continue
		}
		switch cmd.Action {
		case "subscribe":
			h.subscribe(r.Context(), c, cmd.SessionID)
		case "unsubscribe":
			h.unsubscribe(c, cmd.SessionID)
		}
	}
}

// subscribe attaches a client to a session's event stream after checking
// the session belongs to the client's user.
func (h *Hub) subscribe(ctx context.Context, c *clientConn, sessionID string) {
	if sessionID == "" {
		return
	}
	sess, err := h.store.GetSession(ctx, sessionID)
	if err != nil || sess == nil || sess.UserID != c.userID {
		_ = c.send(map[string]string{"error": "unknown session", "sessionId": sessionID})
		return
	}

	h.mu.Lock()
	if h.subscribers[sessionID] == nil {
		h.subscribers[sessionID] = make(map[string]*clientConn)
	}
	h.subscribers[sessionID][c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(c *clientConn, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subscribers[sessionID]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(h.subscribers, sessionID)
		}
	}
}

// drop removes a client from every session it subscribed to.
func (h *Hub) drop(c *clientConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sessionID, subs := range h.subscribers {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(h.subscribers, sessionID)
		}
	}
}
