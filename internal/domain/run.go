package domain

import (
	"encoding/json"
	"time"
)

// Run represents one in-flight user turn executed against the backend.
type Run struct {
	RunID            string      `json:"run_id"`
	SessionID        string      `json:"session_id"`
	Status           RunStatus   `json:"status"`
	PendingToolCalls []ToolCall  `json:"pending_tool_calls,omitempty"`
	Error            *RunFailure `json:"error,omitempty"`
	StartedAt        time.Time   `json:"started_at"`
	EndedAt          *time.Time  `json:"ended_at,omitempty"`
}

// RunFailure is the error detail reported by the backend for a failed run.
type RunFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolCall is a backend-issued request to execute a named tool.
type ToolCall struct {
	ToolCallID string         `json:"tool_call_id"`
	RunID      string         `json:"run_id,omitempty"`
	ToolName   string         `json:"tool_name"`
	Args       map[string]any `json:"args"`
}

// ToolError is the payload fed back to the backend when a tool call fails.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolErrorPayload renders the JSON body of an error tool message.
func ToolErrorPayload(code, message string) string {
	data, _ := json.Marshal(map[string]ToolError{
		"error": {Code: code, Message: message},
	})
	return string(data)
}
