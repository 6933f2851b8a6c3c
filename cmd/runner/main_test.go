package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
)

func TestChatLoopStopsOnExitWords(t *testing.T) {
	for _, word := range []string{"exit", "QUIT", "  salir  "} {
		var sent []string
		var out, errOut bytes.Buffer
		in := strings.NewReader("hello\n\n" + word + "\nnever sent\n")

		err := chatLoop(context.Background(), in, &out, &errOut, func(_ context.Context, text string) (*reply, error) {
			sent = append(sent, text)
			return &reply{Text: "echo: " + text, Citations: []domain.Citation{{URL: "https://example.com", Title: "Example"}}}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"hello"}, sent, word)
		assert.Contains(t, out.String(), "echo: hello")
		assert.Contains(t, out.String(), "[1] Example (https://example.com)")
		assert.Contains(t, out.String(), "Bye!")
		assert.Empty(t, errOut.String())
	}
}

func TestChatLoopEndsOnEOF(t *testing.T) {
	var out, errOut bytes.Buffer
	calls := 0
	err := chatLoop(context.Background(), strings.NewReader("one\ntwo"), &out, &errOut, func(_ context.Context, text string) (*reply, error) {
		calls++
		return &reply{Text: text}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestChatLoopReportsErrorsAndContinues(t *testing.T) {
	var out, errOut bytes.Buffer
	err := chatLoop(context.Background(), strings.NewReader("bad\ngood\n"), &out, &errOut, func(_ context.Context, text string) (*reply, error) {
		if text == "bad" {
			return nil, &domain.RunError{RunID: "run_1", Status: domain.RunStatusFailed, Code: "completion_failed"}
		}
		return &reply{Text: "fine"}, nil
	})
	require.NoError(t, err)
	assert.Contains(t, errOut.String(), "completion_failed")
	assert.Contains(t, out.String(), "fine")
}

func TestChatLoopInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var out, errOut bytes.Buffer
	err := chatLoop(ctx, strings.NewReader("slow\nnext\n"), &out, &errOut, func(ctx context.Context, text string) (*reply, error) {
		cancel()
		<-ctx.Done()
		return nil, &domain.RunError{Status: domain.RunStatusCancelled, Err: context.Cause(ctx)}
	})
	require.NoError(t, err)
	assert.Empty(t, errOut.String())
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("BACKEND_PROVIDER", "mock")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POLICY_FILE", "")

	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestToolsCommand(t *testing.T) {
	out, err := runCommand(t, "tools")
	require.NoError(t, err)
	assert.Contains(t, out, "get_user_info")
	assert.Contains(t, out, `"user_id"`)
	assert.Contains(t, out, `"required"`)
}

func TestAskCommand(t *testing.T) {
	out, err := runCommand(t, "ask", "hello", "there")
	require.NoError(t, err)
	assert.Contains(t, out, `[MOCK] Received your message: "hello there"`)
}

func TestAskRequiresPrompt(t *testing.T) {
	_, err := runCommand(t, "ask")
	require.Error(t, err)
}

func TestConfigErrorsAreReturned(t *testing.T) {
	t.Setenv("BACKEND_PROVIDER", "carrier-pigeon")
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"tools"})
	err := cmd.Execute()
	var cfgErr *domain.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "BACKEND_PROVIDER", cfgErr.Key)
}
