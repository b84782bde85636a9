package api

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/kiosk/internal/api/handlers"
	"github.com/orrn/kiosk/internal/api/middleware"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Auth   *middleware.AuthMiddleware
	Print  *handlers.PrintHandler
	Health *handlers.HealthHandler
	Events *handlers.EventHandler
	Jobs   *handlers.JobHandler
	Outbox *handlers.OutboxHandler
}

func NewRouter(h Handlers, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(logger), recovery(logger), cors())

	r.POST("/print", h.Print.Print)
	r.GET("/health", h.Health.Health)
	r.GET("/ws", h.Events.WebSocket)
	r.POST("/log/frontend", h.Events.FrontendLog)

	owner := r.Group("/owner")
	owner.POST("/setup", h.Auth.SetupHandler)
	owner.POST("/login", h.Auth.LoginHandler)
	owner.POST("/logout", h.Auth.LogoutHandler)
	owner.GET("/status", h.Auth.StatusHandler)

	protected := owner.Group("", h.Auth.RequireAuth())
	protected.POST("/password", h.Auth.ChangePasswordHandler)
	protected.POST("/sessions/revoke", h.Auth.RevokeSessionsHandler)
	protected.GET("/jobs", h.Jobs.ListJobs)
	protected.GET("/health", h.Health.Diagnostics)
	protected.GET("/outbox", h.Outbox.List)
	protected.POST("/outbox/flush", h.Outbox.Flush)

	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"took", time.Since(start))
	}
}

func recovery(logger *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, err any) {
		logger.Error("unhandled panic", "path", c.Request.URL.Path, "panic", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"status": "ERROR", "detail": "internal error"})
	})
}

// The kiosk screen is served from a different local port.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
