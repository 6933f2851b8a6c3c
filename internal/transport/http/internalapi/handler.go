// Package internalapi exposes a Backend over HTTP so that remote runners
// can drive it through backend.RemoteBackend.
package internalapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rsanchezec/AzureAIAgentService/internal/backend"
	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
)

// Handler handles internal backend requests.
type Handler struct {
	backend backend.Backend
	logger  zerolog.Logger
}

// NewHandler creates a new internal API handler.
func NewHandler(b backend.Backend, logger zerolog.Logger) *Handler {
	return &Handler{
		backend: b,
		logger:  logger,
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Sessions
	e.POST("/internal/sessions/:session_id/runs", h.SubmitTurn)
	e.DELETE("/internal/sessions/:session_id", h.Teardown)

	// Run management
	e.GET("/internal/runs/:run_id", h.PollRun)
	e.POST("/internal/runs/:run_id/tool_outputs", h.SubmitToolOutputs)
	e.POST("/internal/runs/:run_id/cancel", h.CancelRun)
}

func (h *Handler) writeError(c echo.Context, op string, err error) error {
	status := http.StatusBadRequest
	code := "invalid_request"
	var unavailable *domain.BackendUnavailableError
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrRunInProgress):
		status, code = http.StatusConflict, "run_in_progress"
	case errors.As(err, &unavailable):
		status, code = http.StatusServiceUnavailable, "backend_unavailable"
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("op", op).Msg("internal backend request failed")
	}
	return c.JSON(status, backend.ErrorBody{Error: err.Error(), Code: code})
}
