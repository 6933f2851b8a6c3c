package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
)

func TestRemoteBackendRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /internal/sessions/s1/runs", func(w http.ResponseWriter, r *http.Request) {
		var req TurnRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Message.Content)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"run_id":"run_1","session_id":"s1"}`)
	})
	mux.HandleFunc("GET /internal/runs/run_1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"run_id":"run_1","status":"requires_action","tool_calls":[{"tool_call_id":"c1","tool_name":"get_user_info","args":{"user_id":1}}]}`)
	})
	mux.HandleFunc("POST /internal/runs/run_1/tool_outputs", func(w http.ResponseWriter, r *http.Request) {
		var req ToolOutputsRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "s1", req.SessionID)
		assert.Len(t, req.Outputs, 1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /internal/runs/run_1/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /internal/sessions/s1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	b := NewRemoteBackend(server.URL, "", time.Second)
	ctx := context.Background()

	h, err := b.SubmitTurn(ctx, TurnRequest{SessionID: "s1", Message: domain.UserMessage("hello")})
	require.NoError(t, err)
	assert.Equal(t, RunHandle{RunID: "run_1", SessionID: "s1"}, h)

	snap, err := b.Poll(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRequiresAction, snap.Status)
	require.Len(t, snap.ToolCalls, 1)
	assert.Equal(t, float64(1), snap.ToolCalls[0].Args["user_id"])

	out := domain.NewMessage(domain.RoleTool, "{}")
	out.ToolCallID = "c1"
	require.NoError(t, b.SubmitToolOutputs(ctx, h, []domain.Message{out}))
	require.NoError(t, b.Cancel(ctx, h))
	require.NoError(t, b.Teardown(ctx, "s1"))
}

func TestRemoteBackendErrorMapping(t *testing.T) {
	status := http.StatusServiceUnavailable
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, `{"error":"nope"}`)
	}))
	defer server.Close()

	b := NewRemoteBackend(server.URL, "", time.Second)
	h := RunHandle{RunID: "r", SessionID: "s"}

	_, err := b.Poll(context.Background(), h)
	var unavailable *domain.BackendUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "poll", unavailable.Op)
	assert.Contains(t, err.Error(), "nope")

	status = http.StatusNotFound
	_, err = b.Poll(context.Background(), h)
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	status = http.StatusConflict
	_, err = b.SubmitTurn(context.Background(), TurnRequest{SessionID: "s"})
	assert.ErrorIs(t, err, domain.ErrRunInProgress)

	status = http.StatusBadRequest
	_, err = b.Poll(context.Background(), h)
	require.Error(t, err)
	assert.False(t, isUnavailable(err))
}

func TestRemoteBackendConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewRemoteBackend(url, "", time.Second).Poll(context.Background(), RunHandle{RunID: "r"})
	assert.True(t, isUnavailable(err))
}

func isUnavailable(err error) bool {
	var unavailable *domain.BackendUnavailableError
	return errors.As(err, &unavailable)
}
