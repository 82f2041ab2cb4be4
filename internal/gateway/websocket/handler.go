package websocket

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/courierdev/courier/internal/common/logger"
	"github.com/courierdev/courier/pkg/events"
)

// UserResolver maps an upgrade request to the authenticated user id.
type UserResolver func(c *gin.Context) (string, error)

// HandlerConfig tunes the per-connection I/O loops.
type HandlerConfig struct {
	WriteWait time.Duration
	PongWait  time.Duration
}

// DefaultHandlerConfig returns the production defaults. The ping period is
// derived from PongWait so pings always arrive before the read deadline.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		WriteWait: 10 * time.Second,
		PongWait:  60 * time.Second,
	}
}

func (c HandlerConfig) withDefaults() HandlerConfig {
	d := DefaultHandlerConfig()
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	return c
}

func (c HandlerConfig) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

// Handler upgrades HTTP requests to WebSocket connections and hands them to
// the manager. The server never acts on inbound data frames; the read loop
// exists only to surface pongs, client close frames, and transport errors.
type Handler struct {
	manager     *Manager
	resolveUser UserResolver
	cfg         HandlerConfig
	upgrader    websocket.Upgrader
	logger      *logger.Logger
}

// NewHandler creates a WebSocket upgrade handler. A nil resolver falls back
// to DefaultUserResolver.
func NewHandler(manager *Manager, resolver UserResolver, cfg HandlerConfig, log *logger.Logger) *Handler {
	if resolver == nil {
		resolver = DefaultUserResolver
	}
	return &Handler{
		manager:     manager,
		resolveUser: resolver,
		cfg:         cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "websocket_handler")),
	}
}

// DefaultUserResolver takes the user id from the X-User-ID header or the
// user_id query parameter.
func DefaultUserResolver(c *gin.Context) (string, error) {
	if id := c.GetHeader("X-User-ID"); id != "" {
		return id, nil
	}
	if id := c.Query("user_id"); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("no user identity on upgrade request")
}

// newConnectionID builds a connection id with a millisecond timestamp and a
// random entropy segment, stable for the lifetime of the connection.
func newConnectionID() string {
	entropy := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("ws_%d_%s", time.Now().UnixMilli(), entropy)
}

// HandleUpgrade is the gin handler for the WebSocket endpoint.
func (h *Handler) HandleUpgrade(c *gin.Context) {
	userID, err := h.resolveUser(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	connID := newConnectionID()
	conn := NewConnection(connID, userID, NewGorillaSink(ws, h.cfg.WriteWait))
	conn.MarkReady()

	ctx := c.Request.Context()
	h.manager.AddConnection(ctx, conn)

	h.logger.Info("websocket connected",
		zap.String("connection_id", connID),
		zap.String("user_id", userID))

	status := events.New(events.TypeConnectionStatus, map[string]any{
		"status":        "connected",
		"connection_id": connID,
	})
	h.manager.SendMessage(ctx, connID, status)

	go h.pingLoop(ws, conn)
	h.readLoop(ws, conn)
}

// readLoop consumes frames until the peer goes away, then removes the
// connection. Pongs extend the read deadline and refresh activity.
func (h *Handler) readLoop(ws *websocket.Conn, conn *Connection) {
	defer h.manager.RemoveConnection(context.Background(), conn.ID)

	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})
	ws.SetReadLimit(64 * 1024)

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended",
					zap.String("connection_id", conn.ID),
					zap.Error(err))
			}
			return
		}
		conn.Touch()
	}
}

// pingLoop keeps the connection alive with control pings. Gorilla permits
// WriteControl concurrently with data writes, so this does not contend with
// the sink mutex.
func (h *Handler) pingLoop(ws *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(h.cfg.pingPeriod())
	defer ticker.Stop()

	for range ticker.C {
		if conn.IsClosing() {
			return
		}
		deadline := time.Now().Add(h.cfg.WriteWait)
		if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			return
		}
	}
}
