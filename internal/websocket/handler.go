package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"liveclass/internal/logger"
	"liveclass/internal/metrics"
	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

// Inbound receives frames read from sockets and socket closures.
// The hub implements it.
type Inbound interface {
	SendMessage(env *types.Envelope, conn *Connection) error
	UnregisterConnection(conn *Connection) error
}

// HandlerConfig holds the socket timings.
type HandlerConfig struct {
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	BufferSize      int
	MaxMessageBytes int64
	AllowedOrigins  []string
}

// Handler upgrades /ws requests and runs the per-connection read pump.
type Handler struct {
	registry       *Registry
	sessionManager interfaces.SessionManager
	inbound        Inbound
	cfg            HandlerConfig
	upgrader       websocket.Upgrader
	log            *zap.Logger
	metrics        *metrics.Metrics
}

// NewHandler creates a new WebSocket handler
func NewHandler(registry *Registry, sessionManager interfaces.SessionManager, inbound Inbound, cfg HandlerConfig, log *zap.Logger, m *metrics.Metrics) *Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	h := &Handler{
		registry:       registry,
		sessionManager: sessionManager,
		inbound:        inbound,
		cfg:            cfg,
		log:            logger.OrNop(log).Named("websocket"),
		metrics:        m,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket validates the query parameters and the session, then
// upgrades. The role is only known once the client sends join-session.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	sessionID := r.URL.Query().Get("session_id")

	if userID == "" || sessionID == "" {
		http.Error(w, "Missing required query parameters: user_id, session_id", http.StatusBadRequest)
		return
	}
	if !types.IsValidUserID(userID) {
		http.Error(w, "Invalid user_id format", http.StatusBadRequest)
		return
	}

	if err := h.sessionManager.ValidateSessionOpen(r.Context(), sessionID); err != nil {
		switch {
		case errors.Is(err, interfaces.ErrSessionNotFound):
			http.Error(w, "Session not found", http.StatusNotFound)
		case errors.Is(err, interfaces.ErrSessionNotOpen):
			http.Error(w, "Session is not active", http.StatusConflict)
		default:
			h.log.Error("session validation failed", zap.String("session_id", sessionID), zap.Error(err))
			http.Error(w, "Session validation failed", http.StatusInternalServerError)
		}
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	if h.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.cfg.MaxMessageBytes)
	}

	conn := NewConnection(ws, userID, sessionID, ConnectionOptions{
		BufferSize:   h.cfg.BufferSize,
		WriteTimeout: h.cfg.WriteTimeout,
	})
	if err := h.registry.RegisterConnection(conn); err != nil {
		h.log.Error("failed to register connection", zap.String("user_id", userID), zap.Error(err))
		_ = conn.Close()
		return
	}
	h.metrics.ConnectionOpened()
	h.log.Info("connection opened", zap.String("user_id", userID), zap.String("session_id", sessionID))

	go h.handleConnection(conn)
}

// handleConnection runs the read pump until the socket fails, then hands
// the connection to the hub for departure handling.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		if err := h.inbound.UnregisterConnection(conn); err != nil {
			h.registry.UnregisterConnection(conn)
			_ = conn.Close()
		}
		h.metrics.ConnectionClosed()
		h.log.Info("connection closed", zap.String("user_id", conn.userID), zap.String("session_id", conn.sessionID))
	}()

	ws := conn.conn
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", zap.String("user_id", conn.userID), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			h.metrics.EventRejected("", "invalid_frame")
			h.notify(conn, "invalid_frame", "frame is not a valid envelope")
			continue
		}
		if err := h.inbound.SendMessage(&env, conn); err != nil {
			h.metrics.EventRejected(string(env.Event), "overloaded")
			h.notify(conn, "overloaded", err.Error())
		}
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.writePing(); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func (h *Handler) notify(conn *Connection, code, message string) {
	env, err := types.NewEnvelope(&types.SystemNotice{Code: code, Message: message})
	if err != nil {
		return
	}
	env.SessionID = conn.sessionID
	if err := conn.WriteJSON(env); err != nil {
		h.log.Debug("failed to send system notice", zap.String("user_id", conn.userID), zap.Error(err))
	}
}

// Shutdown closes every registered socket.
func (h *Handler) Shutdown(ctx context.Context) {
	h.registry.mu.RLock()
	conns := make([]*Connection, 0, len(h.registry.globalConnections))
	for _, conn := range h.registry.globalConnections {
		conns = append(conns, conn)
	}
	h.registry.mu.RUnlock()

	for _, conn := range conns {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}
