package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
	"github.com/rsanchezec/AzureAIAgentService/internal/tools"
)

const defaultStepTimeout = 2 * time.Minute

// AsyncBackend runs turns in the background against a Completer. It keeps
// one thread of messages per session and one record per run, the way hosted
// assistant services do, so callers observe runs only by polling.
type AsyncBackend struct {
	completer    Completer
	instructions string
	stepTimeout  time.Duration
	logger       zerolog.Logger

	mu      sync.Mutex
	threads map[string]*thread
	runs    map[string]*asyncRun
	wg      sync.WaitGroup
}

type thread struct {
	messages  []domain.Message
	activeRun string
}

type asyncRun struct {
	run      domain.Run
	tools    []tools.Definition
	messages []domain.Message
	cancel   context.CancelFunc
	step     int
}

// AsyncOption configures an AsyncBackend.
type AsyncOption func(*AsyncBackend)

// WithInstructions sets the system instructions sent with every step.
func WithInstructions(s string) AsyncOption {
	return func(b *AsyncBackend) { b.instructions = s }
}

// WithStepTimeout bounds a single completer call.
func WithStepTimeout(d time.Duration) AsyncOption {
	return func(b *AsyncBackend) {
		if d > 0 {
			b.stepTimeout = d
		}
	}
}

// WithLogger sets the backend logger.
func WithLogger(l zerolog.Logger) AsyncOption {
	return func(b *AsyncBackend) { b.logger = l }
}

// NewAsyncBackend creates a backend driven by completer.
func NewAsyncBackend(completer Completer, opts ...AsyncOption) *AsyncBackend {
	b := &AsyncBackend{
		completer:   completer,
		stepTimeout: defaultStepTimeout,
		logger:      zerolog.Nop(),
		threads:     make(map[string]*thread),
		runs:        make(map[string]*asyncRun),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ Backend = (*AsyncBackend)(nil)

// SubmitTurn appends the message to the session thread and starts a run.
// An unknown session is seeded from req.History; tool messages are skipped
// when seeding since their originating tool calls are not part of history.
func (b *AsyncBackend) SubmitTurn(ctx context.Context, req TurnRequest) (RunHandle, error) {
	if req.SessionID == "" {
		return RunHandle{}, fmt.Errorf("session id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	th := b.threads[req.SessionID]
	if th == nil {
		th = &thread{}
		for _, m := range req.History {
			if m.Role == domain.RoleTool || m.MessageID == req.Message.MessageID {
				continue
			}
			th.messages = append(th.messages, m)
		}
		b.threads[req.SessionID] = th
	}
	if active := b.runs[th.activeRun]; active != nil {
		if !active.run.Status.IsTerminal() {
			return RunHandle{}, fmt.Errorf("session %s has active run %s: %w", req.SessionID, active.run.RunID, domain.ErrRunInProgress)
		}
		// The final state of the previous run has been observed by now.
		delete(b.runs, th.activeRun)
	}

	th.messages = append(th.messages, req.Message)
	r := &asyncRun{
		run: domain.Run{
			RunID:     domain.NewRunID(),
			SessionID: req.SessionID,
			Status:    domain.RunStatusQueued,
			StartedAt: time.Now().UTC(),
		},
		tools: req.Tools,
	}
	b.runs[r.run.RunID] = r
	th.activeRun = r.run.RunID
	b.startStepLocked(r)

	return RunHandle{RunID: r.run.RunID, SessionID: req.SessionID}, nil
}

// SubmitToolOutputs resumes a run waiting on tool calls. Outputs must
// answer every pending call exactly once.
func (b *AsyncBackend) SubmitToolOutputs(ctx context.Context, h RunHandle, outputs []domain.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.runs[h.RunID]
	if r == nil {
		return domain.ErrRunNotFound
	}
	if r.run.Status != domain.RunStatusRequiresAction {
		return fmt.Errorf("run %s is %s, not requires_action", h.RunID, r.run.Status)
	}
	if err := matchOutputs(r.run.PendingToolCalls, outputs); err != nil {
		return fmt.Errorf("run %s: %w", h.RunID, err)
	}

	th := b.threads[r.run.SessionID]
	if th == nil {
		return domain.ErrRunNotFound
	}
	th.messages = append(th.messages, outputs...)
	r.run.PendingToolCalls = nil
	r.run.Status = domain.RunStatusQueued
	b.startStepLocked(r)
	return nil
}

func matchOutputs(pending []domain.ToolCall, outputs []domain.Message) error {
	if len(outputs) != len(pending) {
		return fmt.Errorf("expected %d tool outputs, got %d", len(pending), len(outputs))
	}
	want := make(map[string]bool, len(pending))
	for _, tc := range pending {
		want[tc.ToolCallID] = true
	}
	for _, out := range outputs {
		if out.Role != domain.RoleTool {
			return fmt.Errorf("tool output %s has role %s", out.MessageID, out.Role)
		}
		if !want[out.ToolCallID] {
			return fmt.Errorf("unexpected or duplicate tool output for %q", out.ToolCallID)
		}
		delete(want, out.ToolCallID)
	}
	return nil
}

// Poll returns a copy of the run state.
func (b *AsyncBackend) Poll(ctx context.Context, h RunHandle) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.runs[h.RunID]
	if r == nil {
		return Snapshot{}, domain.ErrRunNotFound
	}
	snap := Snapshot{
		RunID:  r.run.RunID,
		Status: r.run.Status,
	}
	if len(r.run.PendingToolCalls) > 0 {
		snap.ToolCalls = append([]domain.ToolCall(nil), r.run.PendingToolCalls...)
	}
	if r.run.Status == domain.RunStatusCompleted {
		snap.Messages = append([]domain.Message(nil), r.messages...)
	}
	if r.run.Error != nil {
		e := *r.run.Error
		snap.Error = &e
	}
	return snap, nil
}

// Cancel marks the run cancelled and abandons the in-flight step. A result
// that arrives afterwards is discarded.
func (b *AsyncBackend) Cancel(ctx context.Context, h RunHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.runs[h.RunID]
	if r == nil {
		return domain.ErrRunNotFound
	}
	b.cancelLocked(r)
	return nil
}

func (b *AsyncBackend) cancelLocked(r *asyncRun) {
	if r.run.Status.IsTerminal() {
		return
	}
	if r.run.Status == domain.RunStatusRequiresAction {
		b.closePendingLocked(r, "run cancelled before the tool call was answered")
	}
	r.run.Status = domain.RunStatusCancelled
	r.run.PendingToolCalls = nil
	now := time.Now().UTC()
	r.run.EndedAt = &now
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// closePendingLocked answers every pending tool call of r with an error
// result so the thread never holds an assistant tool call without its tool
// messages. Model APIs reject such a thread on the next turn.
func (b *AsyncBackend) closePendingLocked(r *asyncRun, reason string) {
	th := b.threads[r.run.SessionID]
	if th == nil || len(r.run.PendingToolCalls) == 0 {
		return
	}
	now := time.Now().UTC()
	for _, tc := range r.run.PendingToolCalls {
		th.messages = append(th.messages, domain.Message{
			MessageID:  domain.NewMessageID(),
			SessionID:  r.run.SessionID,
			RunID:      r.run.RunID,
			Role:       domain.RoleTool,
			ToolCallID: tc.ToolCallID,
			ToolName:   tc.ToolName,
			Content:    domain.ToolErrorPayload("cancelled", reason),
			IsError:    true,
			CreatedAt:  now,
		})
	}
}

// Teardown cancels and forgets every run and the thread of the session.
func (b *AsyncBackend) Teardown(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, r := range b.runs {
		if r.run.SessionID != sessionID {
			continue
		}
		b.cancelLocked(r)
		delete(b.runs, id)
	}
	delete(b.threads, sessionID)
	return nil
}

// Close cancels all in-flight steps and waits for their goroutines.
func (b *AsyncBackend) Close() error {
	b.mu.Lock()
	for _, r := range b.runs {
		b.cancelLocked(r)
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

// Stats reports the number of live threads and runs. Terminal runs are
// kept until the next turn of their session starts.
func (b *AsyncBackend) Stats() (threads, runs int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.threads), len(b.runs)
}

func (b *AsyncBackend) startStepLocked(r *asyncRun) {
	r.step++
	step := r.step
	ctx, cancel := context.WithTimeout(context.Background(), b.stepTimeout)
	r.cancel = cancel

	th := b.threads[r.run.SessionID]
	req := CompletionRequest{
		Instructions: b.instructions,
		Messages:     append([]domain.Message(nil), th.messages...),
		Tools:        r.tools,
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		b.runStep(ctx, r, step, req)
	}()
}

func (b *AsyncBackend) runStep(ctx context.Context, r *asyncRun, step int, req CompletionRequest) {
	b.mu.Lock()
	if r.step != step || r.run.Status != domain.RunStatusQueued {
		b.mu.Unlock()
		return
	}
	r.run.Status = domain.RunStatusInProgress
	runID, sessionID := r.run.RunID, r.run.SessionID
	b.mu.Unlock()

	out, err := b.completer.Complete(ctx, req)

	b.mu.Lock()
	defer b.mu.Unlock()
	if r.step != step || r.run.Status != domain.RunStatusInProgress {
		b.logger.Debug().Str("run_id", runID).Msg("discarding late step result")
		return
	}
	r.cancel = nil

	if err != nil {
		code := "completion_failed"
		if errors.Is(err, context.DeadlineExceeded) {
			code = "step_timeout"
		}
		b.finishLocked(r, domain.RunStatusFailed, &domain.RunFailure{Code: code, Message: err.Error()})
		b.logger.Warn().Err(err).Str("run_id", runID).Str("session_id", sessionID).Msg("run step failed")
		return
	}

	th := b.threads[sessionID]
	if th == nil {
		return
	}
	now := time.Now().UTC()
	if len(out.ToolCalls) > 0 {
		calls := make([]domain.ToolCall, len(out.ToolCalls))
		for i, tc := range out.ToolCalls {
			if tc.ToolCallID == "" {
				tc.ToolCallID = domain.NewToolCallID()
			}
			tc.RunID = runID
			calls[i] = tc
		}
		th.messages = append(th.messages, domain.Message{
			MessageID: domain.NewMessageID(),
			SessionID: sessionID,
			RunID:     runID,
			Role:      domain.RoleAssistant,
			Content:   out.Content,
			ToolCalls: calls,
			CreatedAt: now,
		})
		r.run.PendingToolCalls = calls
		r.run.Status = domain.RunStatusRequiresAction
		return
	}

	msg := domain.Message{
		MessageID: domain.NewMessageID(),
		SessionID: sessionID,
		RunID:     runID,
		Role:      domain.RoleAssistant,
		Content:   out.Content,
		Citations: out.Citations,
		CreatedAt: now,
	}
	th.messages = append(th.messages, msg)
	r.messages = append(r.messages, msg)
	b.finishLocked(r, domain.RunStatusCompleted, nil)
}

func (b *AsyncBackend) finishLocked(r *asyncRun, status domain.RunStatus, failure *domain.RunFailure) {
	r.run.Status = status
	r.run.Error = failure
	now := time.Now().UTC()
	r.run.EndedAt = &now
}
