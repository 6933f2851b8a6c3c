package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsanchezec/AzureAIAgentService/internal/backend"
	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
	"github.com/rsanchezec/AzureAIAgentService/internal/policy"
	"github.com/rsanchezec/AzureAIAgentService/internal/tools"
)

// scriptedBackend replays snapshots in order; the last one repeats.
type scriptedBackend struct {
	mu         sync.Mutex
	snapshots  []backend.Snapshot
	submitErrs []error
	turns      []backend.TurnRequest
	outputs    [][]domain.Message
	outputErr  error
	polls      int
	cancels    int
}

func (b *scriptedBackend) SubmitTurn(_ context.Context, req backend.TurnRequest) (backend.RunHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = append(b.turns, req)
	if len(b.submitErrs) > 0 {
		err := b.submitErrs[0]
		b.submitErrs = b.submitErrs[1:]
		if err != nil {
			return backend.RunHandle{}, err
		}
	}
	return backend.RunHandle{RunID: "run_1", SessionID: req.SessionID}, nil
}

func (b *scriptedBackend) SubmitToolOutputs(_ context.Context, _ backend.RunHandle, outputs []domain.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outputs = append(b.outputs, outputs)
	return b.outputErr
}

func (b *scriptedBackend) Poll(_ context.Context, h backend.RunHandle) (backend.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.polls
	if i >= len(b.snapshots) {
		i = len(b.snapshots) - 1
	}
	b.polls++
	snap := b.snapshots[i]
	snap.RunID = h.RunID
	return snap, nil
}

func (b *scriptedBackend) Cancel(context.Context, backend.RunHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels++
	return nil
}

func (b *scriptedBackend) Teardown(context.Context, string) error { return nil }

func (b *scriptedBackend) cancelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancels
}

func inProgress() backend.Snapshot {
	return backend.Snapshot{Status: domain.RunStatusInProgress}
}

func completed(texts ...string) backend.Snapshot {
	snap := backend.Snapshot{Status: domain.RunStatusCompleted}
	for _, t := range texts {
		snap.Messages = append(snap.Messages, domain.Message{Role: domain.RoleAssistant, Content: t})
	}
	return snap
}

func fastOptions() Options {
	return Options{PollInterval: 5 * time.Millisecond, RetryBackoff: time.Millisecond}
}

func builtinRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(r, tools.BuiltinConfig{}))
	return r.Seal()
}

func waitBusy(t *testing.T, c *Conversation) {
	t.Helper()
	require.Eventually(t, c.Busy, time.Second, time.Millisecond)
}

func TestSendCompleted(t *testing.T) {
	b := &scriptedBackend{snapshots: []backend.Snapshot{inProgress(), completed("hello back")}}
	c := New("sess_1", b, builtinRegistry(t), fastOptions())

	replies, err := c.Send(context.Background(), domain.UserMessage("hello"))
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "hello back", replies[0].Content)
	assert.Equal(t, "run_1", replies[0].RunID)
	assert.Equal(t, "sess_1", replies[0].SessionID)
	assert.NotEmpty(t, replies[0].MessageID)

	history := c.History()
	require.Len(t, history, 2)
	assert.Equal(t, domain.RoleUser, history[0].Role)
	assert.Equal(t, domain.RoleAssistant, history[1].Role)
	assert.Equal(t, StateIdle, c.State())
	require.NotNil(t, c.LastRun())
	assert.Equal(t, domain.RunStatusCompleted, c.LastRun().Status)
	assert.NotNil(t, c.LastRun().EndedAt)

	require.Len(t, b.turns, 1)
	assert.Empty(t, b.turns[0].History)
	assert.Len(t, b.turns[0].Tools, 1)
}

func TestSendPassesPriorHistory(t *testing.T) {
	b := &scriptedBackend{snapshots: []backend.Snapshot{completed("ok")}}
	c := New("sess_1", b, nil, fastOptions())

	_, err := c.Send(context.Background(), domain.UserMessage("one"))
	require.NoError(t, err)
	b.polls = 0
	_, err = c.Send(context.Background(), domain.UserMessage("two"))
	require.NoError(t, err)

	require.Len(t, b.turns, 2)
	assert.Len(t, b.turns[1].History, 2)
	assert.Equal(t, "two", b.turns[1].Message.Content)
	assert.Len(t, c.History(), 4)
}

func TestSendResolvesToolCalls(t *testing.T) {
	calls := []domain.ToolCall{
		{ToolCallID: "call_a", ToolName: "get_user_info", Args: map[string]any{"user_id": float64(99)}},
		{ToolCallID: "call_b", ToolName: "get_user_info", Args: map[string]any{"user_id": float64(1)}},
		{ToolCallID: "call_c", ToolName: "missing_tool", Args: map[string]any{}},
	}
	b := &scriptedBackend{snapshots: []backend.Snapshot{
		{Status: domain.RunStatusRequiresAction, ToolCalls: calls},
		completed("done"),
	}}
	c := New("sess_1", b, builtinRegistry(t), fastOptions())

	replies, err := c.Send(context.Background(), domain.UserMessage("who are users 99 and 1?"))
	require.NoError(t, err)
	require.Len(t, replies, 1)

	require.Len(t, b.outputs, 1)
	outputs := b.outputs[0]
	require.Len(t, outputs, len(calls))
	for i, call := range calls {
		assert.Equal(t, call.ToolCallID, outputs[i].ToolCallID)
		assert.Equal(t, domain.RoleTool, outputs[i].Role)
	}

	var payload map[string]domain.ToolError
	require.True(t, outputs[0].IsError)
	require.NoError(t, json.Unmarshal([]byte(outputs[0].Content), &payload))
	assert.Equal(t, "execution_failed", payload["error"].Code)
	assert.Contains(t, payload["error"].Message, "user 99 not found")

	assert.False(t, outputs[1].IsError)
	assert.JSONEq(t, `{"name":"Alice","email":"alice@example.com"}`, outputs[1].Content)

	require.True(t, outputs[2].IsError)
	assert.Contains(t, outputs[2].Content, "unknown_tool")

	history := c.History()
	require.Len(t, history, 1+len(calls)+1)
	assert.Equal(t, domain.RoleAssistant, history[len(history)-1].Role)
}

type denyGate struct{}

func (denyGate) Check(_ context.Context, _, _ string, call domain.ToolCall) (policy.Decision, error) {
	if call.ToolName == "get_user_info" {
		return policy.Decision{Action: policy.ActionBlock, Reason: "not today"}, nil
	}
	return policy.Decision{Action: policy.ActionAllow}, nil
}

func TestSendBlockedByGate(t *testing.T) {
	b := &scriptedBackend{snapshots: []backend.Snapshot{
		{Status: domain.RunStatusRequiresAction, ToolCalls: []domain.ToolCall{
			{ToolCallID: "call_a", ToolName: "get_user_info", Args: map[string]any{"user_id": float64(1)}},
		}},
		completed("blocked"),
	}}
	opts := fastOptions()
	opts.Gate = denyGate{}
	c := New("sess_1", b, builtinRegistry(t), opts)

	_, err := c.Send(context.Background(), domain.UserMessage("hi"))
	require.NoError(t, err)
	require.Len(t, b.outputs, 1)
	assert.True(t, b.outputs[0][0].IsError)
	assert.Contains(t, b.outputs[0][0].Content, `"code":"blocked"`)
	assert.Contains(t, b.outputs[0][0].Content, "not today")
}

func TestSendFailedRun(t *testing.T) {
	b := &scriptedBackend{snapshots: []backend.Snapshot{{
		Status: domain.RunStatusFailed,
		Error:  &domain.RunFailure{Code: "rate_limit_exceeded", Message: "slow down"},
	}}}
	c := New("sess_1", b, nil, fastOptions())

	replies, err := c.Send(context.Background(), domain.UserMessage("hi"))
	assert.Nil(t, replies)
	var runErr *domain.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, domain.RunStatusFailed, runErr.Status)
	assert.Equal(t, "rate_limit_exceeded", runErr.Code)
	assert.Equal(t, "slow down", runErr.Message)
	assert.Equal(t, StateFailed, c.State())
	assert.Len(t, c.History(), 1)

	b.snapshots = []backend.Snapshot{completed("recovered")}
	b.polls = 0
	replies, err = c.Send(context.Background(), domain.UserMessage("again"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", replies[0].Content)
}

func TestSendRejectsConcurrentSend(t *testing.T) {
	b := &scriptedBackend{snapshots: []backend.Snapshot{inProgress()}}
	c := New("sess_1", b, nil, fastOptions())

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), domain.UserMessage("first"))
		done <- err
	}()
	waitBusy(t, c)

	_, err := c.Send(context.Background(), domain.UserMessage("second"))
	assert.ErrorIs(t, err, domain.ErrRunInProgress)

	require.True(t, c.Cancel())
	require.Error(t, <-done)
	assert.Len(t, c.History(), 1)
}

func TestCancelWithinPollInterval(t *testing.T) {
	b := &scriptedBackend{snapshots: []backend.Snapshot{inProgress()}}
	opts := fastOptions()
	opts.PollInterval = 20 * time.Millisecond
	c := New("sess_1", b, nil, opts)

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), domain.UserMessage("long task"))
		done <- err
	}()
	waitBusy(t, c)

	start := time.Now()
	require.True(t, c.Cancel())

	var err error
	select {
	case err = <-done:
	case <-time.After(time.Second):
		t.Fatalf("send did not return after cancel")
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	var runErr *domain.RunError
	require.ErrorAs(t, err, &runErr)
	assert.True(t, runErr.Cancelled())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateCancelled, c.State())
	assert.Equal(t, 1, b.cancelCount())

	for _, m := range c.History() {
		assert.NotEqual(t, domain.RoleAssistant, m.Role)
	}
	assert.False(t, c.Cancel())
}

func TestSendMaxWait(t *testing.T) {
	b := &scriptedBackend{snapshots: []backend.Snapshot{inProgress()}}
	opts := fastOptions()
	opts.MaxWait = 30 * time.Millisecond
	c := New("sess_1", b, nil, opts)

	_, err := c.Send(context.Background(), domain.UserMessage("slow"))
	var runErr *domain.RunError
	require.ErrorAs(t, err, &runErr)
	assert.True(t, runErr.Cancelled())
	assert.ErrorIs(t, err, ErrMaxWaitExceeded)
	assert.Equal(t, 1, b.cancelCount())
}

func TestSendContextCancelled(t *testing.T) {
	b := &scriptedBackend{snapshots: []backend.Snapshot{inProgress()}}
	c := New("sess_1", b, nil, fastOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, domain.UserMessage("slow"))
	var runErr *domain.RunError
	require.ErrorAs(t, err, &runErr)
	assert.True(t, runErr.Cancelled())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendRetriesUnavailableBackend(t *testing.T) {
	unavailable := &domain.BackendUnavailableError{Op: "submit_turn", Err: errors.New("connection refused")}
	b := &scriptedBackend{
		snapshots:  []backend.Snapshot{completed("ok")},
		submitErrs: []error{unavailable, unavailable},
	}
	c := New("sess_1", b, nil, fastOptions())

	replies, err := c.Send(context.Background(), domain.UserMessage("hi"))
	require.NoError(t, err)
	assert.Len(t, replies, 1)
	assert.Len(t, b.turns, 3)
}

func TestSendRetriesExhausted(t *testing.T) {
	unavailable := &domain.BackendUnavailableError{Op: "submit_turn", Err: errors.New("connection refused")}
	b := &scriptedBackend{
		snapshots:  []backend.Snapshot{completed("ok")},
		submitErrs: []error{unavailable, unavailable, unavailable},
	}
	c := New("sess_1", b, nil, fastOptions())

	_, err := c.Send(context.Background(), domain.UserMessage("hi"))
	var runErr *domain.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, domain.RunStatusFailed, runErr.Status)
	var be *domain.BackendUnavailableError
	assert.ErrorAs(t, err, &be)
	assert.Len(t, b.turns, DefaultMaxAttempts)
	assert.Len(t, c.History(), 1)
}

func TestCloseRejectsSend(t *testing.T) {
	b := &scriptedBackend{snapshots: []backend.Snapshot{completed("ok")}}
	c := Restore("sess_1", b, nil, []domain.Message{domain.UserMessage("old")}, fastOptions())
	assert.Len(t, c.History(), 1)

	c.Close()
	c.Close()
	assert.True(t, c.Closed())
	assert.Empty(t, c.History())

	_, err := c.Send(context.Background(), domain.UserMessage("hi"))
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

type memoryRecorder struct {
	mu       sync.Mutex
	messages []domain.Message
	runs     []domain.Run
}

func (r *memoryRecorder) AppendMessages(_ context.Context, _ string, msgs []domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msgs...)
	return nil
}

func (r *memoryRecorder) SaveRun(_ context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, *run)
	return nil
}

func TestRecorderReceivesMessagesAndRuns(t *testing.T) {
	b := &scriptedBackend{snapshots: []backend.Snapshot{completed("stored")}}
	rec := &memoryRecorder{}
	opts := fastOptions()
	opts.Recorder = rec
	c := New("sess_1", b, nil, opts)

	_, err := c.Send(context.Background(), domain.UserMessage("hi"))
	require.NoError(t, err)

	require.Len(t, rec.messages, 2)
	assert.Equal(t, "stored", rec.messages[1].Content)
	require.NotEmpty(t, rec.runs)
	assert.Equal(t, domain.RunStatusCompleted, rec.runs[len(rec.runs)-1].Status)
}

func TestCancelDuringToolCallsKeepsSessionUsable(t *testing.T) {
	var mu sync.Mutex
	var requests []backend.CompletionRequest
	b := backend.NewAsyncBackend(backend.CompleterFunc(func(_ context.Context, req backend.CompletionRequest) (*backend.Completion, error) {
		mu.Lock()
		defer mu.Unlock()
		requests = append(requests, req)
		if len(requests) == 1 {
			return &backend.Completion{ToolCalls: []domain.ToolCall{{ToolCallID: "call_x", ToolName: "lookup", Args: map[string]any{}}}}, nil
		}
		return &backend.Completion{Content: "second answer"}, nil
	}))
	defer b.Close()

	var c *Conversation
	r := tools.NewRegistry()
	r.MustRegister("lookup", "", tools.Schema{}, func(context.Context, map[string]any) (any, error) {
		c.Cancel()
		return "too late", nil
	})
	c = New("sess_1", b, r.Seal(), fastOptions())

	_, err := c.Send(context.Background(), domain.UserMessage("first"))
	var runErr *domain.RunError
	require.ErrorAs(t, err, &runErr)
	require.True(t, runErr.Cancelled())

	replies, err := c.Send(context.Background(), domain.UserMessage("second"))
	require.NoError(t, err)
	assert.Equal(t, "second answer", replies[0].Content)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requests, 2)
	msgs := requests[1].Messages
	for i, m := range msgs {
		for _, call := range m.ToolCalls {
			require.Greater(t, len(msgs), i+1, "tool call %s is the last message", call.ToolCallID)
			next := msgs[i+1]
			assert.Equal(t, domain.RoleTool, next.Role, "tool call %s has no tool result", call.ToolCallID)
			assert.Equal(t, call.ToolCallID, next.ToolCallID)
		}
	}
	assert.Equal(t, "second", msgs[len(msgs)-1].Content)
}

func TestCancelDoesNotWaitForToolsIgnoringContext(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	r := tools.NewRegistry()
	r.MustRegister("stubborn", "", tools.Schema{}, func(context.Context, map[string]any) (any, error) {
		close(started)
		<-release
		return "done", nil
	})
	b := &scriptedBackend{snapshots: []backend.Snapshot{
		{Status: domain.RunStatusRequiresAction, ToolCalls: []domain.ToolCall{{ToolCallID: "call_s", ToolName: "stubborn", Args: map[string]any{}}}},
	}}
	c := New("sess_1", b, r.Seal(), fastOptions())

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), domain.UserMessage("go"))
		done <- err
	}()
	<-started

	start := time.Now()
	require.True(t, c.Cancel())
	select {
	case err := <-done:
		var runErr *domain.RunError
		require.ErrorAs(t, err, &runErr)
		assert.True(t, runErr.Cancelled())
	case <-time.After(time.Second):
		t.Fatalf("send waited for a tool that ignores cancellation")
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Empty(t, b.outputs)
	assert.Equal(t, 1, b.cancelCount())
}

func TestToolOutputsFailureReleasesBackendRun(t *testing.T) {
	b := &scriptedBackend{
		snapshots: []backend.Snapshot{
			{Status: domain.RunStatusRequiresAction, ToolCalls: []domain.ToolCall{
				{ToolCallID: "call_a", ToolName: "get_user_info", Args: map[string]any{"user_id": float64(1)}},
			}},
		},
		outputErr: errors.New("run is not waiting for outputs"),
	}
	c := New("sess_1", b, builtinRegistry(t), fastOptions())

	_, err := c.Send(context.Background(), domain.UserMessage("who is 1?"))
	var runErr *domain.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, domain.RunStatusFailed, runErr.Status)
	assert.Equal(t, "submit_failed", runErr.Code)
	assert.Equal(t, 1, b.cancelCount())
	assert.Equal(t, StateFailed, c.State())
}
