package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsanchezec/AzureAIAgentService/internal/backend"
	"github.com/rsanchezec/AzureAIAgentService/internal/conversation"
	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
	"github.com/rsanchezec/AzureAIAgentService/internal/metrics"
	"github.com/rsanchezec/AzureAIAgentService/internal/service"
	"github.com/rsanchezec/AzureAIAgentService/internal/session"
	"github.com/rsanchezec/AzureAIAgentService/internal/tools"
	"github.com/rsanchezec/AzureAIAgentService/internal/transport/http/ws"
)

// toolCompleter asks for get_user_info once, then answers with the tool output.
func toolCompleter() backend.Completer {
	return backend.CompleterFunc(func(_ context.Context, req backend.CompletionRequest) (*backend.Completion, error) {
		last := req.Messages[len(req.Messages)-1]
		if last.Role == domain.RoleTool {
			return &backend.Completion{Content: "user: " + last.Content}, nil
		}
		return &backend.Completion{ToolCalls: []domain.ToolCall{{
			ToolName: "get_user_info",
			Args:     map[string]any{"user_id": float64(1)},
		}}}, nil
	})
}

func newInternal(t *testing.T, apiKey string) (*backend.AsyncBackend, string) {
	t.Helper()
	async := backend.NewAsyncBackend(toolCompleter())
	t.Cleanup(func() { async.Close() })
	srv := httptest.NewServer(NewInternalServer(async, apiKey, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return async, srv.URL
}

func TestRemoteBackendDrivesInternalServer(t *testing.T) {
	async, url := newInternal(t, "secret")

	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry, tools.BuiltinConfig{}))
	registry.Seal()

	opts := service.DefaultOptions()
	opts.Conversation = conversation.Options{PollInterval: 5 * time.Millisecond, RetryBackoff: time.Millisecond}
	remote := backend.NewRemoteBackend(url, "secret", time.Second)

	resp, err := service.RunOnce(context.Background(), remote, registry, "who is user 1?", opts)
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "Alice")

	threads, runs := async.Stats()
	assert.Zero(t, threads, "RunOnce tears the remote session down")
	assert.Zero(t, runs)
}

func TestInternalServerRejectsBadKey(t *testing.T) {
	async, url := newInternal(t, "secret")
	remote := backend.NewRemoteBackend(url, "wrong", time.Second)

	_, err := remote.SubmitTurn(context.Background(), backend.TurnRequest{SessionID: "s1", Message: domain.UserMessage("hi")})
	require.Error(t, err)
	var unavailable *domain.BackendUnavailableError
	assert.False(t, errors.As(err, &unavailable), "auth failures are not retried")
	assert.Contains(t, err.Error(), "401")

	threads, _ := async.Stats()
	assert.Zero(t, threads)
}

func TestInternalServerErrors(t *testing.T) {
	_, url := newInternal(t, "")
	remote := backend.NewRemoteBackend(url, "", time.Second)
	ctx := context.Background()

	_, err := remote.Poll(ctx, backend.RunHandle{RunID: "run_missing"})
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	assert.ErrorIs(t, remote.Cancel(ctx, backend.RunHandle{RunID: "run_missing"}), domain.ErrRunNotFound)
	assert.NoError(t, remote.Teardown(ctx, "sess_missing"))

	_, err = remote.SubmitTurn(ctx, backend.TurnRequest{SessionID: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestExternalServerRoutes(t *testing.T) {
	async := backend.NewAsyncBackend(toolCompleter())
	defer async.Close()
	opts := service.DefaultOptions()
	manager := session.NewManager(async, nil, session.Config{Conversation: opts.Conversation})
	svc := service.New(manager, async, nil, opts, zerolog.Nop())

	e := NewExternalServer(svc, metrics.New(), ws.NewServer(svc, ws.DefaultConfig(), zerolog.Nop()), zerolog.Nop())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tools", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tools":[]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/u1/messages", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
