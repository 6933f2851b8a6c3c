package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// MockClient is a deterministic LLMClient used for offline runs and tests.
//
// When tools are offered and the latest user message names one or more of
// them, it answers with tool calls whose arguments are taken from the JSON
// objects found in the message, in order. After tool results it summarizes
// them; otherwise it echoes the user message.
type MockClient struct {
	seq atomic.Int64
}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Ensure MockClient implements LLMClient interface.
var _ LLMClient = (*MockClient)(nil)

// CreateChatCompletion returns a mock response.
func (m *MockClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg := m.generateMockMessage(req)
	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}

	return &ChatCompletionResponse{
		ID:      fmt.Sprintf("mock-chatcmpl-%d", m.seq.Add(1)),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{
			{
				Index:        0,
				Message:      msg,
				FinishReason: finish,
			},
		},
		Usage: &Usage{
			PromptTokens:     estimateTokens(req),
			CompletionTokens: len(msg.Content) / 4,
			TotalTokens:      estimateTokens(req) + len(msg.Content)/4,
		},
	}, nil
}

func (m *MockClient) generateMockMessage(req *ChatCompletionRequest) *ChatMessage {
	if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == "tool" {
		var results []string
		for i := n - 1; i >= 0 && req.Messages[i].Role == "tool"; i-- {
			results = append([]string{req.Messages[i].Content}, results...)
		}
		return &ChatMessage{
			Role:    "assistant",
			Content: "[MOCK] Tool results: " + strings.Join(results, "; "),
		}
	}

	var lastUserMessage string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			lastUserMessage = req.Messages[i].Content
			break
		}
	}

	if calls := m.toolCallsFor(req.Tools, lastUserMessage); len(calls) > 0 {
		return &ChatMessage{Role: "assistant", ToolCalls: calls}
	}

	if lastUserMessage == "" {
		return &ChatMessage{Role: "assistant", Content: "[MOCK] This is a mock response from the LLM client."}
	}

	return &ChatMessage{
		Role:    "assistant",
		Content: fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(lastUserMessage, 100)),
	}
}

type mention struct {
	pos  int
	name string
}

func (m *MockClient) toolCallsFor(tools []Tool, text string) []ToolCall {
	if len(tools) == 0 || text == "" {
		return nil
	}
	var mentions []mention
	for _, t := range tools {
		name := t.Function.Name
		for from := 0; ; {
			idx := strings.Index(text[from:], name)
			if idx < 0 {
				break
			}
			mentions = append(mentions, mention{pos: from + idx, name: name})
			from += idx + len(name)
		}
	}
	if len(mentions) == 0 {
		return nil
	}
	sort.Slice(mentions, func(i, j int) bool { return mentions[i].pos < mentions[j].pos })

	objects := jsonObjects(text)
	calls := make([]ToolCall, 0, len(mentions))
	for i, mt := range mentions {
		args := "{}"
		if i < len(objects) {
			args = objects[i]
		}
		calls = append(calls, ToolCall{
			ID:   fmt.Sprintf("call_mock_%d_%d", m.seq.Add(1), i),
			Type: "function",
			Function: ToolCallFunction{
				Name:      mt.name,
				Arguments: args,
			},
		})
	}
	return calls
}

// jsonObjects returns the top-level JSON objects embedded in text, in order.
func jsonObjects(text string) []string {
	var out []string
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			continue
		}
		if len(raw) > 0 && raw[0] == '{' {
			out = append(out, string(raw))
			i += int(dec.InputOffset()) - 1
		}
	}
	return out
}

// estimateTokens provides a rough token count estimate.
func estimateTokens(req *ChatCompletionRequest) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
	}
	return total
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
