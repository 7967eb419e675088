package handler

import (
	"log/slog"

	"shopchat/internal/service"
	"shopchat/internal/websocket"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
)

type WSHandler struct {
	manager *websocket.ConnectionManager
	auth    *service.AuthService
}

func NewWSHandler(manager *websocket.ConnectionManager, auth *service.AuthService) *WSHandler {
	return &WSHandler{manager: manager, auth: auth}
}

// HandleWebSocket upgrades the connection and runs the authenticate ->
// register handshake: GET /api/v1/ws?token=<jwt>&device=<tag>.
// A bad token closes the channel with code 4401 before it ever reaches
// the connection manager.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	conn, err := websocket.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	userID, err := h.auth.Authenticate(c.Query("token"))
	if err != nil {
		slog.Warn("websocket authentication failed", "error", err)
		_ = conn.WriteMessage(gorilla.CloseMessage,
			gorilla.FormatCloseMessage(websocket.CloseAuthFailure, "authentication failed"))
		_ = conn.Close()
		return
	}

	deviceTag := c.Query("device")
	if deviceTag == "" {
		deviceTag = "mobile"
	}

	websocket.ServeClient(h.manager, conn, userID, deviceTag)
}
