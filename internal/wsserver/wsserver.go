// Package wsserver implements the Socket server (C6): upgrades `/ws`,
// runs the hybrid handshake authentication, and pumps frames in both
// directions for the lifetime of a connection. Grounded on the
// teacher's graphql/subscription websocket handler (upgrader
// configuration, readPump/writePump split, buffered send channel) with
// the graphql-transport-ws protocol replaced by the device frame
// protocol from §4.4.
package wsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"backend/internal/apperr"
	"backend/internal/auth"
	"backend/internal/backpressure"
	"backend/internal/common/ulid"
	"backend/internal/events"
	"backend/internal/session"
	"backend/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 * 1024
	sendBuffer     = 256
)

// Frame is the envelope for every message exchanged over the socket.
type Frame struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Hub tracks every open connection (device streams and admin
// listeners alike) and fans broadcast events out to them.
type Hub struct {
	jwt      *auth.JWTService
	registry *session.Registry
	store    *store.Store
	bus      *events.Bus
	log      *zap.Logger

	mu    sync.RWMutex
	conns map[*Conn]struct{}

	upgrader websocket.Upgrader
}

// Config configures the Hub's upgrade behaviour.
type Config struct {
	CheckOrigin func(r *http.Request) bool
}

// NewHub constructs a Hub. bus may be nil to disable broadcast fan-out.
func NewHub(jwtSvc *auth.JWTService, registry *session.Registry, st *store.Store, bus *events.Bus, cfg Config, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	h := &Hub{
		jwt:      jwtSvc,
		registry: registry,
		store:    st,
		bus:      bus,
		log:      log,
		conns:    make(map[*Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
	if bus != nil {
		_ = bus.Subscribe(context.Background(), h.onEvent)
	}
	return h
}

func (h *Hub) onEvent(_ context.Context, e events.Event) error {
	h.Broadcast(e.Type, e.Payload)
	return nil
}

// Broadcast sends a typed event to every connection whose role filter
// matches: DEVICE_-prefixed types go only to admin clients, everything
// else goes to all clients.
func (h *Hub) Broadcast(frameType string, payload any) {
	deviceOnly := strings.HasPrefix(frameType, "DEVICE_")

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		if deviceOnly && c.role != string(auth.RoleAdmin) {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(frameType, payload); err != nil {
			h.log.Warn("broadcast write failed", zap.String("deviceId", c.deviceID), zap.Error(err))
		}
	}
}

// normalizePath collapses repeated/trailing slashes for the `/ws`
// exact-match check required by §4.4.
func normalizePath(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// ServeHTTP upgrades a connection at the exact path /ws and runs the
// handshake authentication described in §4.4.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if normalizePath(r.URL.Path) != "/ws" {
		http.Error(w, "not found", http.StatusBadRequest)
		return
	}

	token := bearerOrQuery(r, "token")
	deviceID := headerOrQuery(r, "X-Device-Id", "deviceId")

	role, authDeviceID, authErr := h.authorize(r.Context(), token, deviceID)
	if authErr != nil {
		code := authErr.WSCloseCode()
		if code == 0 {
			code = 4500
		}
		conn, upErr := h.upgrader.Upgrade(w, r, nil)
		if upErr == nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, authErr.Message), time.Now().Add(writeWait))
			conn.Close()
		}
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := &Conn{
		hub:      h,
		conn:     wsConn,
		deviceID: authDeviceID,
		role:     role,
		send:     make(chan []byte, sendBuffer),
		log:      h.log,
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	if authDeviceID != "" {
		if err := h.registry.Bind(r.Context(), authDeviceID, c); err != nil {
			h.log.Warn("registry bind failed", zap.String("deviceId", authDeviceID), zap.Error(err))
		}
		_ = h.store.SetDeviceConnected(r.Context(), authDeviceID, true, time.Now())
	}

	go c.writePump()
	go c.readPump()

	_ = c.Send("CONNECTED", map[string]any{"deviceId": authDeviceID, "timestamp": time.Now().UTC().Format(time.RFC3339Nano)})
}

// authorize implements the shortest-path-first hybrid authorization
// from §4.4.
func (h *Hub) authorize(ctx context.Context, token, deviceID string) (role, resolvedDeviceID string, authErr *apperr.Error) {
	if token == "" {
		return "", "", apperr.AuthRequired("missing token")
	}

	if deviceID != "" {
		if cachedRole, ok, err := h.registry.Authorized(ctx, deviceID, token); err == nil && ok {
			return cachedRole, deviceID, nil
		}
	}

	claims, err := h.jwt.ValidateToken(token)
	if err != nil {
		return "", "", apperr.AuthFailed("invalid token")
	}

	if claims.IsDeviceToken() {
		if deviceID == "" {
			return "", "", apperr.New(apperr.CategoryValidation, "deviceId required")
		}
		if claims.DeviceID != deviceID {
			return "", "", apperr.AuthFailed("deviceId mismatch")
		}
		if _, err := h.store.GetDevice(ctx, deviceID); err != nil {
			return "", "", apperr.New(apperr.CategoryNotFound, "device not registered")
		}
		_ = h.registry.CacheAuth(ctx, deviceID, claims.UserID, token, "device")
		return "device", deviceID, nil
	}

	if deviceID == "" && claims.Role != string(auth.RoleAdmin) {
		return "", "", apperr.New(apperr.CategoryValidation, "deviceId required")
	}
	if deviceID != "" {
		_ = h.registry.CacheAuth(ctx, deviceID, claims.UserID, token, claims.Role)
	}
	return claims.Role, deviceID, nil
}

func bearerOrQuery(r *http.Request, queryKey string) string {
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return r.URL.Query().Get(queryKey)
}

func headerOrQuery(r *http.Request, headerKey, queryKey string) string {
	if v := r.Header.Get(headerKey); v != "" {
		return v
	}
	return r.URL.Query().Get(queryKey)
}

// Conn is one live socket. It implements session.Socket and
// scheduler.Conn.
type Conn struct {
	hub      *Hub
	conn     *websocket.Conn
	deviceID string
	role     string
	send     chan []byte
	log      *zap.Logger

	closeOnce sync.Once
}

// Send marshals and enqueues a frame for delivery; non-blocking, drops
// the frame (logged) if the send buffer is full.
func (c *Conn) Send(frameType string, payload any) error {
	data, err := json.Marshal(Frame{Type: frameType, Payload: payload, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.log.Warn("send buffer full, dropping frame", zap.String("deviceId", c.deviceID), zap.String("type", frameType))
		return nil
	}
}

// Sample implements backpressure.Sampler.
func (c *Conn) Sample() (wsBuffered, tcpBuffered int64) {
	wsBuffered = int64(len(c.send)) * 512
	if nc := c.conn.UnderlyingConn(); nc != nil {
		tcpBuffered = backpressure.TCPSendQueueBytes(nc)
	}
	return wsBuffered, tcpBuffered
}

// Close sends a close frame with code/reason and tears the connection
// down. Idempotent.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		err = c.conn.Close()
		c.hub.remove(c)
	})
	return err
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// Shutdown closes every open connection with close code 1001 (going
// away), for use during graceful server shutdown.
func (h *Hub) Shutdown(_ context.Context) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		_ = c.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (c *Conn) readPump() {
	ctx := context.Background()
	defer func() {
		c.hub.remove(c)
		if c.deviceID != "" {
			_ = c.hub.registry.Drop(ctx, c.deviceID, c)
			_ = c.hub.store.SetDeviceConnected(ctx, c.deviceID, false, time.Now())
			c.hub.appendAudit(ctx, "ws.disconnect", c.deviceID)
			c.hub.Broadcast("DEVICE_DISCONNECTED", map[string]string{"deviceId": c.deviceID})
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Conn) handleFrame(ctx context.Context, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.Debug("invalid frame", zap.String("deviceId", c.deviceID))
		return
	}

	switch f.Type {
	case "PING":
		if c.deviceID != "" {
			_ = c.hub.registry.Refresh(ctx, c.deviceID)
		}
		_ = c.Send("PONG", map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339Nano)})
	case "STATUS":
		if c.deviceID != "" {
			c.hub.appendAuditMeta(ctx, "ws.status", c.deviceID, f.Payload)
		}
	case "ACK":
		// no state change.
	default:
		c.log.Debug("unknown frame type", zap.String("deviceId", c.deviceID), zap.String("type", f.Type))
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

func (h *Hub) appendAudit(ctx context.Context, action, deviceID string) {
	h.appendAuditMeta(ctx, action, deviceID, nil)
}

func (h *Hub) appendAuditMeta(ctx context.Context, action, deviceID string, payload any) {
	var meta map[string]any
	if payload != nil {
		meta = map[string]any{"payload": payload}
	}
	if err := h.store.AppendAudit(ctx, &store.AuditEntry{
		ID: ulid.NewString(), Action: action, DeviceID: &deviceID, Meta: meta, CreatedAt: time.Now(),
	}); err != nil {
		h.log.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}
