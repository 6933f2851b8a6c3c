package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsanchezec/AzureAIAgentService/internal/backend"
	"github.com/rsanchezec/AzureAIAgentService/internal/conversation"
	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
	"github.com/rsanchezec/AzureAIAgentService/internal/service"
	"github.com/rsanchezec/AzureAIAgentService/internal/session"
)

type testServer struct {
	url string
	svc *service.Service
}

func newTestServer(t *testing.T, maxSessions int) *testServer {
	t.Helper()
	async := backend.NewAsyncBackend(backend.CompleterFunc(func(ctx context.Context, req backend.CompletionRequest) (*backend.Completion, error) {
		last := req.Messages[len(req.Messages)-1].Content
		switch last {
		case "slow":
			<-ctx.Done()
			return nil, ctx.Err()
		case "fail":
			return nil, errors.New("model exploded")
		}
		return &backend.Completion{
			Content:   "echo: " + last,
			Citations: []domain.Citation{{URL: "https://example.com/doc"}},
		}, nil
	}))
	t.Cleanup(func() { async.Close() })

	opts := service.DefaultOptions()
	opts.Conversation = conversation.Options{PollInterval: 5 * time.Millisecond, RetryBackoff: time.Millisecond}
	manager := session.NewManager(async, nil, session.Config{MaxSessionsPerUser: maxSessions, Conversation: opts.Conversation})
	svc := service.New(manager, async, nil, opts, zerolog.Nop())

	e := echo.New()
	e.GET("/v1/sessions/:user_id/ws", NewServer(svc, DefaultConfig(), zerolog.Nop()).HandleWebSocket)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL, svc: svc}
}

func dial(t *testing.T, ts *testServer, userID string, persistent bool) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, ts.url, userID, persistent)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestChatRoundTrip(t *testing.T) {
	ts := newTestServer(t, 5)
	c := dial(t, ts, "u1", true)
	assert.True(t, strings.HasPrefix(c.SessionID(), "sess_"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := c.Send(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, TypeAssistantMessage, reply.Type)
	assert.Equal(t, "echo: hello", reply.Content)
	assert.Equal(t, c.SessionID(), reply.SessionID)
	assert.NotEmpty(t, reply.RunID)
	require.Len(t, reply.Citations, 1)
	assert.Equal(t, "https://example.com/doc", reply.Citations[0].URL)

	reply, err = c.Send(ctx, "again")
	require.NoError(t, err)
	assert.Equal(t, "echo: again", reply.Content)
}

func TestChatRunFailed(t *testing.T) {
	ts := newTestServer(t, 5)
	c := dial(t, ts, "u1", true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Send(ctx, "fail")
	var runErr *domain.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, domain.RunStatusFailed, runErr.Status)
	assert.Contains(t, runErr.Message, "model exploded")

	reply, err := c.Send(ctx, "recovered")
	require.NoError(t, err)
	assert.Equal(t, "echo: recovered", reply.Content)
}

func TestChatCancel(t *testing.T) {
	ts := newTestServer(t, 5)
	c := dial(t, ts, "u1", true)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return ts.svc.Stats().Busy == 1 }, 2*time.Second, time.Millisecond)
		cancel()
	}()

	_, err := c.Send(ctx, "slow")
	var runErr *domain.RunError
	require.ErrorAs(t, err, &runErr)
	assert.True(t, runErr.Cancelled())

	history, err := ts.svc.History("u1")
	require.NoError(t, err)
	assert.Len(t, history, 1, "a cancelled turn leaves no assistant message")
}

func TestPersistentSessionSurvivesReconnect(t *testing.T) {
	ts := newTestServer(t, 5)

	first := dial(t, ts, "u1", true)
	sessionID := first.SessionID()
	require.NoError(t, first.Close())

	second := dial(t, ts, "u1", true)
	assert.Equal(t, sessionID, second.SessionID())
}

func TestEphemeralSessionEndsWithConnection(t *testing.T) {
	ts := newTestServer(t, 5)

	c := dial(t, ts, "u1", false)
	require.Eventually(t, func() bool { return ts.svc.Stats().Sessions == 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool { return ts.svc.Stats().Sessions == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestDialCapacityExceeded(t *testing.T) {
	ts := newTestServer(t, 1)
	dial(t, ts, "u1", false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, ts.url, "u1", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestInvalidMessage(t *testing.T) {
	ts := newTestServer(t, 5)
	wsURL, err := chatURL(ts.url, "u1", true)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, TypeSession, f.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, TypeError, f.Type)
	assert.Equal(t, ErrorCodeInvalidMessage, f.Code)

	require.NoError(t, conn.WriteJSON(BaseMessage{Type: TypeCancel}))
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, ErrorCodeNoActiveRun, f.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, ErrorCodeInvalidMessage, f.Code)
}

func TestChatURL(t *testing.T) {
	got, err := chatURL("https://runner.example.com/", "user 1", false)
	require.NoError(t, err)
	assert.Equal(t, "wss://runner.example.com/v1/sessions/user%201/ws?persistent=false", got)

	_, err = chatURL("ftp://runner", "u1", true)
	assert.Error(t, err)
}
