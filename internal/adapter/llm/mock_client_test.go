package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userInfoTool() Tool {
	return Tool{Type: "function", Function: ToolFunction{Name: "get_user_info"}}
}

func TestMockClientEcho(t *testing.T) {
	resp, err := NewMockClient().CreateChatCompletion(context.Background(), &ChatCompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	msg := resp.Choices[0].Message
	assert.Contains(t, msg.Content, `"hello"`)
	assert.Empty(t, msg.ToolCalls)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
}

func TestMockClientToolCalls(t *testing.T) {
	resp, err := NewMockClient().CreateChatCompletion(context.Background(), &ChatCompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: `call get_user_info {"user_id": 1} and get_user_info {"user_id": 99}`}},
		Tools:    []Tool{userInfoTool()},
	})
	require.NoError(t, err)
	calls := resp.Choices[0].Message.ToolCalls
	require.Len(t, calls, 2)
	assert.JSONEq(t, `{"user_id":1}`, calls[0].Function.Arguments)
	assert.JSONEq(t, `{"user_id":99}`, calls[1].Function.Arguments)
	assert.NotEqual(t, calls[0].ID, calls[1].ID)
	assert.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
}

func TestMockClientSummarizesToolResults(t *testing.T) {
	resp, err := NewMockClient().CreateChatCompletion(context.Background(), &ChatCompletionRequest{
		Messages: []ChatMessage{
			{Role: "user", Content: "get_user_info"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "a"}, {ID: "b"}}},
			{Role: "tool", ToolCallID: "a", Content: `{"name":"Alice"}`},
			{Role: "tool", ToolCallID: "b", Content: `{"error":{}}`},
		},
		Tools: []Tool{userInfoTool()},
	})
	require.NoError(t, err)
	content := resp.Choices[0].Message.Content
	assert.True(t, strings.HasPrefix(content, "[MOCK] Tool results:"))
	assert.Less(t, strings.Index(content, "Alice"), strings.Index(content, "error"))
}

func TestJSONObjects(t *testing.T) {
	assert.Equal(t, []string{`{"a":1}`, `{"b":{"c":2}}`}, jsonObjects(`x {"a":1} y {broken {"b":{"c":2}} z`))
	assert.Empty(t, jsonObjects("no json here"))
}
