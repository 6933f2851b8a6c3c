package ws

import "github.com/rsanchezec/AzureAIAgentService/internal/domain"

// Message types from client to server
const (
	TypeUserMessage = "user_message"
	TypeCancel      = "cancel"
)

// Message types from server to client
const (
	TypeSession          = "session"
	TypeAssistantMessage = "assistant_message"
	TypeCancelled        = "cancelled"
	TypeError            = "error"
)

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeRunInProgress  = "run_in_progress"
	ErrorCodeRunFailed      = "run_failed"
	ErrorCodeNoActiveRun    = "no_active_run"
	ErrorCodeSessionClosed  = "session_closed"
	ErrorCodeInternalError  = "internal_error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	SessionID string `json:"session_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

// UserMessage is sent by the client to start a turn.
type UserMessage struct {
	BaseMessage
	Content string `json:"content"`
}

// SessionMessage is sent once the connection is bound to a session.
type SessionMessage struct {
	BaseMessage
	Persistent bool `json:"persistent"`
}

// AssistantMessage carries the reply of a completed run.
type AssistantMessage struct {
	BaseMessage
	Content   string            `json:"content"`
	Citations []domain.Citation `json:"citations,omitempty"`
}

// ErrorMessage is sent when a turn cannot be completed.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame is any server message, decoded by clients before type dispatch.
type Frame struct {
	BaseMessage
	Persistent bool              `json:"persistent,omitempty"`
	Content    string            `json:"content,omitempty"`
	Citations  []domain.Citation `json:"citations,omitempty"`
	Code       string            `json:"code,omitempty"`
	Message    string            `json:"message,omitempty"`
}
