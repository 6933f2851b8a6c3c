// Package conversation drives one session through the submit/poll run
// lifecycle, resolving tool calls locally between polls.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rsanchezec/AzureAIAgentService/internal/backend"
	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
	"github.com/rsanchezec/AzureAIAgentService/internal/tools"
)

var (
	// ErrCancelled is the cause recorded when Cancel stops a run.
	ErrCancelled = errors.New("run cancelled")
	// ErrMaxWaitExceeded is the cause recorded when a run outlives MaxWait.
	ErrMaxWaitExceeded = errors.New("run exceeded max wait")
)

// Conversation owns the local history of a session and at most one
// in-flight run.
type Conversation struct {
	id       string
	backend  backend.Backend
	registry *tools.Registry
	opts     Options

	mu           sync.Mutex
	state        State
	history      []domain.Message
	lastRun      *domain.Run
	cancelRun    context.CancelCauseFunc
	closed       bool
	createdAt    time.Time
	lastActivity time.Time
}

// New creates an empty conversation for sessionID.
func New(sessionID string, b backend.Backend, registry *tools.Registry, opts Options) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		id:           sessionID,
		backend:      b,
		registry:     registry,
		opts:         opts.withDefaults(),
		state:        StateIdle,
		createdAt:    now,
		lastActivity: now,
	}
}

// Restore creates a conversation seeded with a previously stored history.
func Restore(sessionID string, b backend.Backend, registry *tools.Registry, history []domain.Message, opts Options) *Conversation {
	c := New(sessionID, b, registry, opts)
	c.history = append([]domain.Message(nil), history...)
	return c
}

func (c *Conversation) SessionID() string { return c.id }

// State returns the current lifecycle state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether a run is in flight.
func (c *Conversation) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelRun != nil
}

// History returns a copy of the local history.
func (c *Conversation) History() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.history...)
}

// LastRun returns a copy of the most recent run record, or nil.
func (c *Conversation) LastRun() *domain.Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastRun == nil {
		return nil
	}
	run := *c.lastRun
	run.PendingToolCalls = append([]domain.ToolCall(nil), run.PendingToolCalls...)
	return &run
}

// LastActivity returns the time of the last send or run completion.
func (c *Conversation) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Cancel stops the in-flight run. It returns false when nothing is running.
func (c *Conversation) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelRun == nil {
		return false
	}
	c.cancelRun(ErrCancelled)
	return true
}

// Close cancels any in-flight run and clears the history. Further sends
// fail with domain.ErrSessionClosed.
func (c *Conversation) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.cancelRun != nil {
		c.cancelRun(domain.ErrSessionClosed)
	}
	c.history = nil
}

// Closed reports whether Close has been called.
func (c *Conversation) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send appends msg to the history, runs one turn against the backend and
// returns the assistant messages the run produced.
func (c *Conversation) Send(ctx context.Context, msg domain.Message) ([]domain.Message, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	prior, err := c.begin(&msg, cancel)
	if err != nil {
		return nil, err
	}
	defer c.end()

	if c.opts.MaxWait > 0 {
		timer := time.AfterFunc(c.opts.MaxWait, func() { cancel(ErrMaxWaitExceeded) })
		defer timer.Stop()
	}

	log := c.opts.Logger.With().Str("session_id", c.id).Logger()
	c.record(ctx, msg)

	run := &domain.Run{SessionID: c.id, Status: domain.RunStatusQueued, StartedAt: time.Now().UTC()}

	var handle backend.RunHandle
	err = c.withRetry(runCtx, "submit_turn", func(ctx context.Context) error {
		var err error
		handle, err = c.backend.SubmitTurn(ctx, backend.TurnRequest{
			SessionID: c.id,
			History:   prior,
			Message:   msg,
			Tools:     c.definitions(),
		})
		return err
	})
	if err != nil {
		if runCtx.Err() != nil {
			return nil, c.abort(ctx, runCtx, run, nil)
		}
		return nil, c.fail(ctx, run, "submit_failed", err.Error(), err)
	}
	run.RunID = handle.RunID
	c.saveRun(ctx, run)
	log = log.With().Str("run_id", run.RunID).Logger()
	log.Debug().Msg("run submitted")
	c.setState(StatePolling, run)

	timer := time.NewTimer(c.opts.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-runCtx.Done():
			return nil, c.abort(ctx, runCtx, run, &handle)
		case <-timer.C:
		}

		var snap backend.Snapshot
		err := c.withRetry(runCtx, "poll", func(ctx context.Context) error {
			var err error
			snap, err = c.backend.Poll(ctx, handle)
			return err
		})
		c.opts.Metrics.Poll()
		if err != nil {
			if runCtx.Err() != nil {
				return nil, c.abort(ctx, runCtx, run, &handle)
			}
			c.cancelBackend(ctx, handle)
			return nil, c.fail(ctx, run, "poll_failed", err.Error(), err)
		}

		run.Status = snap.Status
		switch snap.Status {
		case domain.RunStatusQueued, domain.RunStatusInProgress:
			c.setState(StatePolling, run)

		case domain.RunStatusRequiresAction:
			run.PendingToolCalls = snap.ToolCalls
			c.setState(StateRequiresAction, run)
			log.Debug().Int("tool_calls", len(snap.ToolCalls)).Msg("run requires action")

			outputs := c.resolveToolCalls(runCtx, run.RunID, snap.ToolCalls)
			if runCtx.Err() != nil {
				return nil, c.abort(ctx, runCtx, run, &handle)
			}
			c.appendHistory(outputs...)
			c.record(ctx, outputs...)

			err := c.withRetry(runCtx, "submit_tool_outputs", func(ctx context.Context) error {
				return c.backend.SubmitToolOutputs(ctx, handle, outputs)
			})
			if err != nil {
				if runCtx.Err() != nil {
					return nil, c.abort(ctx, runCtx, run, &handle)
				}
				c.cancelBackend(ctx, handle)
				return nil, c.fail(ctx, run, "submit_failed", err.Error(), err)
			}
			run.PendingToolCalls = nil
			c.setState(StatePolling, run)

		case domain.RunStatusCompleted:
			replies := c.stampReplies(run.RunID, snap.Messages)
			if runCtx.Err() != nil {
				return nil, c.abort(ctx, runCtx, run, &handle)
			}
			c.appendHistory(replies...)
			c.record(ctx, replies...)
			c.finish(ctx, run, StateIdle)
			log.Info().Int("messages", len(replies)).Msg("run completed")
			return replies, nil

		case domain.RunStatusFailed:
			code, detail := "run_failed", ""
			if snap.Error != nil {
				code, detail = snap.Error.Code, snap.Error.Message
			}
			return nil, c.fail(ctx, run, code, detail, nil)

		case domain.RunStatusCancelled:
			c.finish(ctx, run, StateCancelled)
			return nil, &domain.RunError{RunID: run.RunID, Status: domain.RunStatusCancelled, Message: "cancelled by backend"}

		default:
			return nil, c.fail(ctx, run, "unknown_status", fmt.Sprintf("backend reported status %q", snap.Status), nil)
		}

		timer.Reset(c.opts.PollInterval)
	}
}

func (c *Conversation) begin(msg *domain.Message, cancel context.CancelCauseFunc) ([]domain.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, domain.ErrSessionClosed
	}
	if c.cancelRun != nil {
		return nil, domain.ErrRunInProgress
	}

	if msg.MessageID == "" {
		msg.MessageID = domain.NewMessageID()
	}
	if msg.Role == "" {
		msg.Role = domain.RoleUser
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.SessionID = c.id

	prior := append([]domain.Message(nil), c.history...)
	c.history = append(c.history, *msg)
	c.cancelRun = cancel
	c.state = StateSubmitted
	c.lastActivity = time.Now().UTC()
	return prior, nil
}

func (c *Conversation) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelRun = nil
	c.lastActivity = time.Now().UTC()
}

func (c *Conversation) setState(s State, run *domain.Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.state = s
	snapshot := *run
	c.lastRun = &snapshot
}

// appendHistory is a no-op once the conversation is closed.
func (c *Conversation) appendHistory(msgs ...domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.history = append(c.history, msgs...)
}

func (c *Conversation) stampReplies(runID string, msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	now := time.Now().UTC()
	for _, m := range msgs {
		if m.MessageID == "" {
			m.MessageID = domain.NewMessageID()
		}
		if m.Role == "" {
			m.Role = domain.RoleAssistant
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.SessionID = c.id
		m.RunID = runID
		out = append(out, m)
	}
	return out
}

func (c *Conversation) definitions() []tools.Definition {
	if c.registry == nil {
		return nil
	}
	return c.registry.Definitions()
}

func (c *Conversation) finish(ctx context.Context, run *domain.Run, s State) {
	now := time.Now().UTC()
	run.EndedAt = &now
	run.PendingToolCalls = nil
	c.setState(s, run)
	c.saveRun(ctx, run)
	c.opts.Metrics.ObserveRun(string(run.Status), now.Sub(run.StartedAt))
}

func (c *Conversation) fail(ctx context.Context, run *domain.Run, code, detail string, cause error) error {
	run.Status = domain.RunStatusFailed
	run.Error = &domain.RunFailure{Code: code, Message: detail}
	c.finish(ctx, run, StateFailed)
	c.opts.Logger.Warn().
		Str("session_id", c.id).
		Str("run_id", run.RunID).
		Str("code", code).
		Str("detail", detail).
		Msg("run failed")
	return &domain.RunError{RunID: run.RunID, Status: domain.RunStatusFailed, Code: code, Message: detail, Err: cause}
}

// abort ends the run as cancelled. When a handle is known the backend is
// asked to cancel it; the result of that request only gets logged.
func (c *Conversation) abort(ctx context.Context, runCtx context.Context, run *domain.Run, handle *backend.RunHandle) error {
	cause := context.Cause(runCtx)
	if handle != nil {
		c.cancelBackend(ctx, *handle)
	}
	run.Status = domain.RunStatusCancelled
	c.finish(ctx, run, StateCancelled)
	c.opts.Logger.Info().
		Str("session_id", c.id).
		Str("run_id", run.RunID).
		AnErr("cause", cause).
		Msg("run cancelled")
	return &domain.RunError{RunID: run.RunID, Status: domain.RunStatusCancelled, Err: cause}
}

// cancelBackend releases the backend run so the session can take another
// turn. Failures are only logged.
func (c *Conversation) cancelBackend(ctx context.Context, handle backend.RunHandle) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := c.backend.Cancel(cleanupCtx, handle); err != nil {
		c.opts.Logger.Warn().Err(err).
			Str("session_id", c.id).
			Str("run_id", handle.RunID).
			Msg("backend cancel failed")
	}
}

func (c *Conversation) record(ctx context.Context, msgs ...domain.Message) {
	if c.opts.Recorder == nil || len(msgs) == 0 {
		return
	}
	if err := c.opts.Recorder.AppendMessages(context.WithoutCancel(ctx), c.id, msgs); err != nil {
		c.opts.Logger.Warn().Err(err).Str("session_id", c.id).Msg("failed to persist messages")
	}
}

func (c *Conversation) saveRun(ctx context.Context, run *domain.Run) {
	if c.opts.Recorder == nil || run.RunID == "" {
		return
	}
	if err := c.opts.Recorder.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		c.opts.Logger.Warn().Err(err).Str("run_id", run.RunID).Msg("failed to persist run")
	}
}
