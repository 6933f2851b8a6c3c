// Package backend is the boundary to the remote model service.
//
// A Backend processes each SubmitTurn and SubmitToolOutputs call at most
// once. Adapters never retry on their own; transient transport failures are
// returned as *domain.BackendUnavailableError and retried by the caller.
package backend

import (
	"context"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
	"github.com/rsanchezec/AzureAIAgentService/internal/tools"
)

// RunHandle identifies a run started by SubmitTurn.
type RunHandle struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
}

// TurnRequest carries one user turn to the backend.
type TurnRequest struct {
	SessionID string             `json:"session_id"`
	History   []domain.Message   `json:"history,omitempty"`
	Message   domain.Message     `json:"message"`
	Tools     []tools.Definition `json:"tools,omitempty"`
}

// Snapshot is the observed state of a run.
type Snapshot struct {
	RunID     string             `json:"run_id"`
	Status    domain.RunStatus   `json:"status"`
	ToolCalls []domain.ToolCall  `json:"tool_calls,omitempty"`
	Messages  []domain.Message   `json:"messages,omitempty"`
	Error     *domain.RunFailure `json:"error,omitempty"`
}

// Backend exposes the submit/poll primitives of a remote worker.
type Backend interface {
	// SubmitTurn appends message to the session thread and starts a run.
	SubmitTurn(ctx context.Context, req TurnRequest) (RunHandle, error)
	// SubmitToolOutputs resumes a run in requires_action with one tool
	// message per pending tool call.
	SubmitToolOutputs(ctx context.Context, h RunHandle, outputs []domain.Message) error
	// Poll returns the current state of a run.
	Poll(ctx context.Context, h RunHandle) (Snapshot, error)
	// Cancel requests cancellation. A run already terminal is left as is.
	Cancel(ctx context.Context, h RunHandle) error
	// Teardown releases every backend resource held for the session.
	// Tearing down an unknown session is not an error.
	Teardown(ctx context.Context, sessionID string) error
}
