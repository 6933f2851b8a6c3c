// Package httperr maps domain errors onto HTTP responses.
package httperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
)

// Body is the JSON error payload of every endpoint.
type Body struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// Classify returns the HTTP status and error code for err.
func Classify(err error) (int, string) {
	var (
		capErr      *domain.CapacityExceededError
		runErr      *domain.RunError
		unavailable *domain.BackendUnavailableError
		cfgErr      *domain.ConfigurationError
		unknown     *domain.UnknownToolError
		invalid     *domain.InvalidArgumentsError
	)
	switch {
	case errors.As(err, &capErr):
		return http.StatusTooManyRequests, "capacity_exceeded"
	case errors.Is(err, domain.ErrRunInProgress):
		return http.StatusConflict, "run_in_progress"
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrRunNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidHistory):
		return http.StatusBadRequest, "invalid_history"
	case errors.Is(err, domain.ErrSessionClosed):
		return http.StatusGone, "session_closed"
	case errors.As(err, &runErr):
		if runErr.Cancelled() {
			return http.StatusRequestTimeout, "run_cancelled"
		}
		return http.StatusBadGateway, "run_failed"
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable, "backend_unavailable"
	case errors.As(err, &unknown):
		return http.StatusNotFound, "unknown_tool"
	case errors.As(err, &invalid):
		return http.StatusBadRequest, "invalid_arguments"
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, "configuration_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// Write renders err as a JSON error response.
func Write(c echo.Context, err error) error {
	status, code := Classify(err)
	body := Body{Error: err.Error(), Code: code}
	var runErr *domain.RunError
	if errors.As(err, &runErr) {
		body.RunID = runErr.RunID
		body.Status = string(runErr.Status)
		body.Message = runErr.Message
		if runErr.Code != "" {
			body.Code = runErr.Code
		}
	}
	return c.JSON(status, body)
}

// BadRequest renders a 400 with msg.
func BadRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, Body{Error: msg, Code: "invalid_request"})
}
