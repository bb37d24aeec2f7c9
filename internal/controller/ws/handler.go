package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ogent/ogent/internal/common/logger"
	"github.com/ogent/ogent/internal/controller/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Peers authenticate with a bearer token, not cookies.
		return true
	},
}

// Handler upgrades authenticated HTTP requests to event-protocol sessions.
type Handler struct {
	hub    *Hub
	auth   *auth.Service
	logger *logger.Logger
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(hub *Hub, authSvc *auth.Service, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		auth:   authSvc,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// Serve handles GET /ws. The bearer token is verified before the upgrade; the
// role query parameter selects agent or client behavior.
func (h *Handler) Serve(c *gin.Context) {
	username := auth.Username(c)

	role := Role(c.DefaultQuery("role", string(RoleAgent)))
	if role != RoleAgent && role != RoleClient {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "BAD_REQUEST",
			"message": "role must be agent or client",
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	session := NewSession(uuid.New().String(), role, username, conn, h.hub, h.logger)
	h.hub.add(session)

	h.logger.Info("Session connected",
		zap.String("session_id", session.ID),
		zap.String("role", string(role)),
		zap.String("username", username),
	)

	go session.WritePump()
	go session.ReadPump()
}
