// Package pushhub implements the authenticated WebSocket server clients use
// to subscribe to impulse events: a per-connection Unauthed/Authed state
// machine, a command dispatch table, and lock-guarded fanout with
// dead-connection reaping.
package pushhub

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yofutures/impulse-screener/logging"
)

// AuthResolver resolves a bearer token to a user id, or reports that the
// token does not resolve to anyone.
type AuthResolver func(token string) (userID string, ok bool)

// ConfigStore is the subset of userstore.Store PushHub needs to answer
// get_config/set_config/get_allowed_filters.
type ConfigStore interface {
	GetUserConfig(userID string) (map[string]float64, bool)
	PatchUserConfig(userID string, patch map[string]float64) (map[string]float64, error)
}

// TopItem is one entry of a get_top response.
type TopItem struct {
	Symbol string  `json:"symbol"`
	Value  float64 `json:"value"`
}

// TopProvider answers get_top commands.
type TopProvider func(mode string, n int) []TopItem

// MetricsSink optionally receives client-reported metrics events.
type MetricsSink func(clientID, event string, data interface{})

// AllowedFilters is injected so get_allowed_filters can answer without
// pushhub importing userstore directly.
type AllowedFilters map[string][]float64

// Config wires the collaborators PushHub's command dispatch needs.
type Config struct {
	Host             string
	Port             string
	HeartbeatSec     int
	PingTimeoutSec   int
	ClientSendBuffer int

	AuthResolver   AuthResolver
	ConfigStore    ConfigStore
	AllowedFilters AllowedFilters
	TopProvider    TopProvider
	MetricsSink    MetricsSink
}

// connection is one accepted client, exclusively owned by its own read
// loop from accept to first close or error.
type connection struct {
	ws       *websocket.Conn
	send     chan []byte
	clientID string
	authed   bool
	userID   string
}

// Hub is the authenticated WebSocket server. A single lock guards registry
// add/remove/snapshot; sends happen outside the lock using the snapshot.
type Hub struct {
	cfg Config
	log *logging.Logger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[*connection]struct{}
}

// New constructs a Hub. Call ServeHTTP (directly, or mounted by the
// caller's own mux) to accept connections.
func New(cfg Config, log *logging.Logger) *Hub {
	return &Hub{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*connection]struct{}),
	}
}

// ServeHTTP upgrades the request, starts the write pump in its own
// goroutine, and runs the read pump on the calling goroutine, so it returns
// only once the connection has closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("pushhub upgrade failed", logging.String("remote", r.RemoteAddr), logging.Any("err", err.Error()))
		return
	}

	sendBuf := h.cfg.ClientSendBuffer
	if sendBuf <= 0 {
		sendBuf = 256
	}
	c := &connection{ws: ws, send: make(chan []byte, sendBuf), clientID: "unknown"}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) writePump(c *connection) {
	heartbeat := time.Duration(h.cfg.HeartbeatSec) * time.Second
	if heartbeat <= 0 {
		heartbeat = 20 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	defer c.ws.Close()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *connection) {
	defer h.reap(c)

	heartbeat := time.Duration(h.cfg.HeartbeatSec) * time.Second
	pingTimeout := time.Duration(h.cfg.PingTimeoutSec) * time.Second
	if heartbeat <= 0 {
		heartbeat = 20 * time.Second
	}
	if pingTimeout <= 0 {
		pingTimeout = 20 * time.Second
	}
	c.ws.SetReadDeadline(time.Now().Add(heartbeat + pingTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(heartbeat + pingTimeout))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if string(raw) == "ping" {
			h.sendRaw(c, []byte("pong"))
			continue
		}
		if !h.handle(c, raw) {
			return
		}
	}
}

func (h *Hub) reap(c *connection) {
	h.mu.Lock()
	_, existed := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if existed {
		close(c.send)
	}
	c.ws.Close()
	if c.authed {
		h.log.Info("pushhub connection closed", logging.UserID(c.userID), logging.String("client_id", c.clientID))
	}
}

type clientMessage struct {
	Type     string          `json:"type"`
	Token    string          `json:"token"`
	ClientID string          `json:"client_id"`
	Patch    map[string]json.Number `json:"patch"`
	Mode     string          `json:"mode"`
	N        int             `json:"n"`
	Event    string          `json:"event"`
	Data     interface{}     `json:"data"`
}

// handle processes one text frame and returns false if the connection
// should close (an auth failure).
func (h *Hub) handle(c *connection, raw []byte) bool {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendJSON(c, map[string]interface{}{"type": "error", "error": "bad_json"})
		return true
	}

	msgType := strings.ToLower(msg.Type)

	if !c.authed {
		switch msgType {
		case "ping":
			h.sendJSON(c, map[string]interface{}{"type": "pong"})
		case "auth":
			return h.handleAuth(c, msg)
		default:
			h.sendJSON(c, map[string]interface{}{"type": "error", "error": "unauthorized"})
		}
		return true
	}

	switch msgType {
	case "get_config":
		data, _ := h.cfg.ConfigStore.GetUserConfig(c.userID)
		h.sendJSON(c, map[string]interface{}{"type": "config", "data": data})

	case "set_config":
		patch := make(map[string]float64, len(msg.Patch))
		for k, v := range msg.Patch {
			f, err := v.Float64()
			if err == nil {
				patch[k] = f
			}
		}
		merged, err := h.cfg.ConfigStore.PatchUserConfig(c.userID, patch)
		if err != nil {
			h.sendJSON(c, map[string]interface{}{"type": "error", "error": "set_config_failed"})
			return true
		}
		h.sendJSON(c, map[string]interface{}{"type": "config", "data": merged})

	case "get_allowed_filters":
		h.sendJSON(c, map[string]interface{}{"type": "allowed_filters", "data": h.cfg.AllowedFilters})

	case "get_top":
		mode := msg.Mode
		if mode == "" {
			mode = "volume24h"
		}
		n := msg.N
		if n <= 0 {
			n = 5
		}
		var items []TopItem
		if h.cfg.TopProvider != nil {
			items = h.cfg.TopProvider(mode, n)
		}
		h.sendJSON(c, map[string]interface{}{"type": "top", "mode": mode, "items": items})

	case "metrics":
		if h.cfg.MetricsSink != nil {
			h.cfg.MetricsSink(c.clientID, msg.Event, msg.Data)
		}
		h.sendJSON(c, map[string]interface{}{"type": "ok"})

	case "ping":
		h.sendJSON(c, map[string]interface{}{"type": "pong"})

	default:
		h.sendJSON(c, map[string]interface{}{"type": "error", "error": "unknown_type"})
	}
	return true
}

func (h *Hub) handleAuth(c *connection, msg clientMessage) bool {
	if msg.ClientID != "" {
		c.clientID = msg.ClientID
	}
	if h.cfg.AuthResolver == nil {
		h.sendJSON(c, map[string]interface{}{"type": "error", "error": "unauthorized"})
		return false
	}

	userID, ok := h.cfg.AuthResolver(msg.Token)
	if !ok {
		h.sendJSON(c, map[string]interface{}{"type": "error", "error": "unauthorized"})
		return false
	}

	c.authed = true
	c.userID = userID
	h.log.Info("pushhub client authed", logging.UserID(userID), logging.String("client_id", c.clientID))
	h.sendJSON(c, map[string]interface{}{"type": "ok", "ts": float64(time.Now().Unix()), "user_id": userID})
	return true
}

func (h *Hub) sendJSON(c *connection, payload map[string]interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.sendRaw(c, body)
}

func (h *Hub) sendRaw(c *connection, body []byte) {
	select {
	case c.send <- body:
	default:
		go h.reap(c)
	}
}

// Broadcast serializes payload once and sends it to every Authed
// connection, reaping any connection whose send buffer is full.
func (h *Hub) Broadcast(payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		if c.authed {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendRaw(c, body)
	}
}

// SendToUser serializes payload once and sends it to every Authed
// connection belonging to userID.
func (h *Hub) SendToUser(userID string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*connection, 0)
	for c := range h.conns {
		if c.authed && c.userID == userID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendRaw(c, body)
	}
}

// ConnectionCount returns the number of currently registered connections
// (authed or not), for the monitoring gauge.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
