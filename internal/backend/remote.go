package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
)

// RemoteBackend talks to a backend exposed over the internal HTTP API.
type RemoteBackend struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRemoteBackend creates a client for the internal backend API at baseURL.
func NewRemoteBackend(baseURL, apiKey string, timeout time.Duration) *RemoteBackend {
	return &RemoteBackend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

var _ Backend = (*RemoteBackend)(nil)

// ToolOutputsRequest is the body of a tool outputs submission.
type ToolOutputsRequest struct {
	SessionID string           `json:"session_id"`
	Outputs   []domain.Message `json:"outputs"`
}

// ErrorBody is the JSON error returned by the internal API.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (b *RemoteBackend) SubmitTurn(ctx context.Context, req TurnRequest) (RunHandle, error) {
	var h RunHandle
	path := "/internal/sessions/" + url.PathEscape(req.SessionID) + "/runs"
	if err := b.do(ctx, "submit", http.MethodPost, path, req, &h); err != nil {
		return RunHandle{}, err
	}
	return h, nil
}

func (b *RemoteBackend) SubmitToolOutputs(ctx context.Context, h RunHandle, outputs []domain.Message) error {
	path := "/internal/runs/" + url.PathEscape(h.RunID) + "/tool_outputs"
	return b.do(ctx, "submit_tool_outputs", http.MethodPost, path, ToolOutputsRequest{SessionID: h.SessionID, Outputs: outputs}, nil)
}

func (b *RemoteBackend) Poll(ctx context.Context, h RunHandle) (Snapshot, error) {
	var snap Snapshot
	if err := b.do(ctx, "poll", http.MethodGet, "/internal/runs/"+url.PathEscape(h.RunID), nil, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (b *RemoteBackend) Cancel(ctx context.Context, h RunHandle) error {
	return b.do(ctx, "cancel", http.MethodPost, "/internal/runs/"+url.PathEscape(h.RunID)+"/cancel", nil, nil)
}

func (b *RemoteBackend) Teardown(ctx context.Context, sessionID string) error {
	return b.do(ctx, "teardown", http.MethodDelete, "/internal/sessions/"+url.PathEscape(sessionID), nil, nil)
}

func (b *RemoteBackend) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.BackendUnavailableError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.BackendUnavailableError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s response: %w", op, err)
	}
	return nil
}

func statusError(op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var eb ErrorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error != "" {
		msg = eb.Error
	}
	base := fmt.Errorf("backend %s failed [%d]: %s", op, status, msg)

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return &domain.BackendUnavailableError{Op: op, Err: base}
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %v", domain.ErrRunNotFound, base)
	case status == http.StatusConflict:
		return fmt.Errorf("%w: %v", domain.ErrRunInProgress, base)
	default:
		return base
	}
}
