package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/kiosk/internal/outbox"
)

type OutboxQueue interface {
	Pending() []outbox.Record
	Flush(ctx context.Context) (outbox.FlushResult, error)
}

type OutboxResponse struct {
	Pending []outbox.Record `json:"pending"`
	Count   int             `json:"count"`
}

type OutboxHandler struct {
	queue        OutboxQueue
	flushTimeout time.Duration
}

func NewOutboxHandler(queue OutboxQueue, flushTimeout time.Duration) *OutboxHandler {
	return &OutboxHandler{queue: queue, flushTimeout: flushTimeout}
}

func (h *OutboxHandler) List(c *gin.Context) {
	pending := h.queue.Pending()
	if pending == nil {
		pending = []outbox.Record{}
	}
	c.JSON(http.StatusOK, OutboxResponse{Pending: pending, Count: len(pending)})
}

// Flush delivers pending notifications now and reports what happened.
func (h *OutboxHandler) Flush(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.flushTimeout)
	defer cancel()

	result, err := h.queue.Flush(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}
