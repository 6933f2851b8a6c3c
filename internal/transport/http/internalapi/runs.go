package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rsanchezec/AzureAIAgentService/internal/backend"
)

// SubmitTurn starts a run on a session thread.
// POST /internal/sessions/:session_id/runs
func (h *Handler) SubmitTurn(c echo.Context) error {
	var req backend.TurnRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, backend.ErrorBody{Error: "invalid request body", Code: "invalid_request"})
	}
	req.SessionID = c.Param("session_id")
	if req.Message.Content == "" {
		return c.JSON(http.StatusBadRequest, backend.ErrorBody{Error: "message content is required", Code: "invalid_request"})
	}

	handle, err := h.backend.SubmitTurn(c.Request().Context(), req)
	if err != nil {
		return h.writeError(c, "submit", err)
	}
	return c.JSON(http.StatusCreated, handle)
}

// SubmitToolOutputs resumes a run waiting on tool calls.
// POST /internal/runs/:run_id/tool_outputs
func (h *Handler) SubmitToolOutputs(c echo.Context) error {
	var req backend.ToolOutputsRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, backend.ErrorBody{Error: "invalid request body", Code: "invalid_request"})
	}

	handle := backend.RunHandle{RunID: c.Param("run_id"), SessionID: req.SessionID}
	if err := h.backend.SubmitToolOutputs(c.Request().Context(), handle, req.Outputs); err != nil {
		return h.writeError(c, "submit_tool_outputs", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// PollRun returns the current state of a run.
// GET /internal/runs/:run_id
func (h *Handler) PollRun(c echo.Context) error {
	snap, err := h.backend.Poll(c.Request().Context(), backend.RunHandle{RunID: c.Param("run_id")})
	if err != nil {
		return h.writeError(c, "poll", err)
	}
	return c.JSON(http.StatusOK, snap)
}

// CancelRun cancels a run.
// POST /internal/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	if err := h.backend.Cancel(c.Request().Context(), backend.RunHandle{RunID: c.Param("run_id")}); err != nil {
		return h.writeError(c, "cancel", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Teardown releases a session thread and its runs.
// DELETE /internal/sessions/:session_id
func (h *Handler) Teardown(c echo.Context) error {
	if err := h.backend.Teardown(c.Request().Context(), c.Param("session_id")); err != nil {
		return h.writeError(c, "teardown", err)
	}
	return c.NoContent(http.StatusNoContent)
}
