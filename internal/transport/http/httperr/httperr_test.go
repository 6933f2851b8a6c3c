package httperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&domain.CapacityExceededError{UserID: "u1", Limit: 1}, http.StatusTooManyRequests, "capacity_exceeded"},
		{fmt.Errorf("send: %w", domain.ErrRunInProgress), http.StatusConflict, "run_in_progress"},
		{domain.ErrSessionNotFound, http.StatusNotFound, "not_found"},
		{domain.ErrSessionClosed, http.StatusGone, "session_closed"},
		{fmt.Errorf("%w: bad json", domain.ErrInvalidHistory), http.StatusBadRequest, "invalid_history"},
		{&domain.RunError{Status: domain.RunStatusFailed}, http.StatusBadGateway, "run_failed"},
		{&domain.RunError{Status: domain.RunStatusCancelled}, http.StatusRequestTimeout, "run_cancelled"},
		{&domain.BackendUnavailableError{Op: "poll", Err: errors.New("eof")}, http.StatusServiceUnavailable, "backend_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, code := Classify(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}

func TestWriteRunError(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	err := &domain.RunError{RunID: "run_1", Status: domain.RunStatusFailed, Code: "rate_limit_exceeded", Message: "slow down"}
	require.NoError(t, Write(c, err))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var body Body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run_1", body.RunID)
	assert.Equal(t, "failed", body.Status)
	assert.Equal(t, "rate_limit_exceeded", body.Code)
	assert.Equal(t, "slow down", body.Message)
}
