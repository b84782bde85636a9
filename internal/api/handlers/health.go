package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/kiosk/internal/core"
)

type HealthEvaluator interface {
	Evaluate(ctx context.Context) core.HealthReport
}

type DiagnosticsRunner interface {
	Run(ctx context.Context) core.DiagnosticsReport
}

type HealthHandler struct {
	probe       HealthEvaluator
	diagnostics DiagnosticsRunner
}

func NewHealthHandler(probe HealthEvaluator, diagnostics DiagnosticsRunner) *HealthHandler {
	return &HealthHandler{probe: probe, diagnostics: diagnostics}
}

// Health answers the frontend's plain yes/no question.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, h.probe.Evaluate(c.Request.Context()).Healthy())
}

func (h *HealthHandler) Diagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, h.diagnostics.Run(c.Request.Context()))
}
