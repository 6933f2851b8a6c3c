package v1

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
	"github.com/rsanchezec/AzureAIAgentService/internal/transport/http/httperr"
)

const maxHistoryBytes = 8 << 20

// SendMessageRequest is the body of a chat turn.
type SendMessageRequest struct {
	Content string `json:"content"`
	// Persistent defaults to true.
	Persistent *bool `json:"persistent,omitempty"`
}

// AskRequest is the body of a one-shot run.
type AskRequest struct {
	Prompt string `json:"prompt"`
}

// MessagesResponse lists the history of a session.
type MessagesResponse struct {
	UserID   string           `json:"user_id"`
	Messages []domain.Message `json:"messages"`
}

// SendMessage runs one chat turn for a user and waits for the reply.
// POST /v1/sessions/:user_id/messages
func (h *Handler) SendMessage(c echo.Context) error {
	userID := c.Param("user_id")
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.Content) == "" {
		return httperr.BadRequest(c, "content is required")
	}
	persistent := req.Persistent == nil || *req.Persistent

	resp, err := h.service.Chat(c.Request().Context(), userID, persistent, req.Content)
	if err != nil {
		return httperr.Write(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetMessages returns the history of the user's persistent session.
// GET /v1/sessions/:user_id/messages
func (h *Handler) GetMessages(c echo.Context) error {
	userID := c.Param("user_id")
	messages, err := h.service.History(userID)
	if err != nil {
		return httperr.Write(c, err)
	}
	return c.JSON(http.StatusOK, MessagesResponse{
		UserID:   userID,
		Messages: messages,
	})
}

// ExportHistory returns the history of the user's persistent session in the
// portable history format.
// GET /v1/sessions/:user_id/history
func (h *Handler) ExportHistory(c echo.Context) error {
	data, err := h.service.ExportHistory(c.Param("user_id"))
	if err != nil {
		return httperr.Write(c, err)
	}
	return c.JSONBlob(http.StatusOK, data)
}

// ImportHistory replaces the user's persistent session with one seeded from
// an exported history.
// PUT /v1/sessions/:user_id/history
func (h *Handler) ImportHistory(c echo.Context) error {
	userID := c.Param("user_id")
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxHistoryBytes))
	if err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}
	handle, err := h.service.ImportHistory(c.Request().Context(), userID, data)
	if err != nil {
		return httperr.Write(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"user_id":    userID,
		"session_id": handle.ID(),
		"messages":   len(handle.Conversation().History()),
	})
}

// GetRun returns the status of a run of one of the user's sessions.
// GET /v1/sessions/:user_id/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.Run(c.Request().Context(), c.Param("user_id"), c.Param("run_id"))
	if err != nil {
		return httperr.Write(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// CancelRun cancels every in-flight run of a user.
// POST /v1/sessions/:user_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	userID := c.Param("user_id")
	cancelled := h.service.Cancel(userID)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id":   userID,
		"cancelled": cancelled,
	})
}

// EvictSessions destroys every session of a user.
// DELETE /v1/sessions/:user_id
func (h *Handler) EvictSessions(c echo.Context) error {
	if err := h.service.Evict(c.Request().Context(), c.Param("user_id")); err != nil {
		return httperr.Write(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Ask answers a prompt on a throwaway session.
// POST /v1/ask
func (h *Handler) Ask(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return httperr.BadRequest(c, "prompt is required")
	}

	resp, err := h.service.Ask(c.Request().Context(), req.Prompt)
	if err != nil {
		return httperr.Write(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
