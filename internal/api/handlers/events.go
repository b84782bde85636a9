package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

type SocketServer interface {
	Serve(w http.ResponseWriter, r *http.Request) error
}

type EventHandler struct {
	sockets SocketServer
	log     *slog.Logger
}

func NewEventHandler(sockets SocketServer, logger *slog.Logger) *EventHandler {
	return &EventHandler{sockets: sockets, log: logger}
}

func (h *EventHandler) WebSocket(c *gin.Context) {
	if err := h.sockets.Serve(c.Writer, c.Request); err != nil {
		h.log.Error("unable to establish websocket", "error", err)
	}
}

// FrontendLog records whatever the kiosk screen reports.
func (h *EventHandler) FrontendLog(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	h.log.Error("frontend error", "payload", payload)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
