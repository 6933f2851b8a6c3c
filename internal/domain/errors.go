package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrRunInProgress is returned when a send arrives while a run is in flight.
	ErrRunInProgress = errors.New("a run is already in progress for this session")
	// ErrSessionClosed is returned by operations on a destroyed session.
	ErrSessionClosed = errors.New("session is closed")
	// ErrRegistrySealed is returned when registering after construction.
	ErrRegistrySealed = errors.New("tool registry is sealed")
	// ErrRunNotFound is returned by backends for unknown run handles.
	ErrRunNotFound = errors.New("run not found")
	// ErrSessionNotFound is returned when no session exists for a lookup.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidHistory is returned when an exported history cannot be read.
	ErrInvalidHistory = errors.New("invalid history")
)

// ConfigurationError reports a missing or invalid required setting.
type ConfigurationError struct {
	Key string
	Msg string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Msg)
}

// DuplicateToolError is returned when a tool name is registered twice.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool already registered: %s", e.Name)
}

// UnknownToolError is returned when a tool name does not resolve.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// InvalidArgumentsError is returned when tool arguments do not match the schema.
type InvalidArgumentsError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *InvalidArgumentsError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("invalid arguments for %s: %s: %s", e.Tool, e.Field, e.Reason)
}

// ToolExecutionError wraps a handler failure.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// BackendUnavailableError is a transient submit or poll failure.
type BackendUnavailableError struct {
	Op  string
	Err error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend unavailable during %s: %v", e.Op, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// RunError is the terminal failure of a run surfaced to the caller of send.
type RunError struct {
	RunID   string
	Status  RunStatus
	Code    string
	Message string
	Err     error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("run %s %s", e.RunID, e.Status)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RunError) Unwrap() error { return e.Err }

// Cancelled reports whether the run ended by cancellation or timeout.
func (e *RunError) Cancelled() bool { return e.Status == RunStatusCancelled }

// CapacityExceededError is returned when a user already holds the maximum number of sessions.
type CapacityExceededError struct {
	UserID string
	Limit  int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("user %s reached the session limit of %d", e.UserID, e.Limit)
}

// ToolErrorCode maps a tool-level error to the code reported to the backend.
func ToolErrorCode(err error) string {
	var (
		unknown *UnknownToolError
		invalid *InvalidArgumentsError
		execErr *ToolExecutionError
	)
	switch {
	case errors.As(err, &unknown):
		return "unknown_tool"
	case errors.As(err, &invalid):
		return "invalid_arguments"
	case errors.As(err, &execErr):
		return "execution_failed"
	default:
		return "tool_error"
	}
}
