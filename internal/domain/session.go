package domain

import (
	"encoding/json"
	"time"
)

// Session is a durable conversational context owned by a user.
type Session struct {
	SessionID      string          `json:"session_id"`
	UserID         string          `json:"user_id"`
	Persistent     bool            `json:"persistent"`
	CreatedAt      time.Time       `json:"created_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Attachment is an opaque reference to an uploaded artifact.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
}

// Citation links a span of assistant text to its source.
type Citation struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Start int    `json:"start,omitempty"`
	End   int    `json:"end,omitempty"`
}

// Message is one immutable entry of a conversation history.
type Message struct {
	MessageID   string       `json:"message_id"`
	SessionID   string       `json:"session_id,omitempty"`
	RunID       string       `json:"run_id,omitempty"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCallID  string       `json:"tool_call_id,omitempty"`
	ToolName    string       `json:"tool_name,omitempty"`
	IsError     bool         `json:"is_error,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Citations   []Citation   `json:"citations,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// NewMessage builds a message with a fresh id and the current timestamp.
func NewMessage(role Role, content string) Message {
	return Message{
		MessageID: NewMessageID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// UserMessage is a shorthand for NewMessage(RoleUser, content).
func UserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}
