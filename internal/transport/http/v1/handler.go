// Package v1 provides the public HTTP API of the task runner.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rsanchezec/AzureAIAgentService/internal/metrics"
	"github.com/rsanchezec/AzureAIAgentService/internal/service"
	"github.com/rsanchezec/AzureAIAgentService/internal/transport/http/ws"
)

const version = "0.1.0"

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	metrics *metrics.Metrics
	ws      *ws.Server
}

// NewHandler creates a new handler. wsServer may be nil to disable the
// WebSocket endpoint.
func NewHandler(svc *service.Service, mt *metrics.Metrics, wsServer *ws.Server) *Handler {
	return &Handler{
		service: svc,
		metrics: mt,
		ws:      wsServer,
	}
}

// RegisterRoutes registers external routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Sessions
	e.POST("/v1/sessions/:user_id/messages", h.SendMessage)
	e.GET("/v1/sessions/:user_id/messages", h.GetMessages)
	e.POST("/v1/sessions/:user_id/cancel", h.CancelRun)
	e.GET("/v1/sessions/:user_id/history", h.ExportHistory)
	e.PUT("/v1/sessions/:user_id/history", h.ImportHistory)
	e.GET("/v1/sessions/:user_id/runs/:run_id", h.GetRun)
	e.DELETE("/v1/sessions/:user_id", h.EvictSessions)
	if h.ws != nil {
		e.GET("/v1/sessions/:user_id/ws", h.ws.HandleWebSocket)
	}

	// One-shot runs
	e.POST("/v1/ask", h.Ask)

	// Tools
	e.GET("/v1/tools", h.ListTools)

	e.GET("/health", h.Health)
	e.GET("/metrics", echo.WrapHandler(h.metrics.Handler()))
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	stats := h.service.Stats()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"version":  version,
		"users":    stats.Users,
		"sessions": stats.Sessions,
		"busy":     stats.Busy,
	})
}
