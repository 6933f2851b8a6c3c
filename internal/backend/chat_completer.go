package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rsanchezec/AzureAIAgentService/internal/adapter/llm"
	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
)

// ChatCompleter runs steps against an OpenAI-compatible chat completions API.
type ChatCompleter struct {
	client llm.LLMClient
	model  string
}

// NewChatCompleter creates a completer for model.
func NewChatCompleter(client llm.LLMClient, model string) *ChatCompleter {
	return &ChatCompleter{client: client, model: model}
}

var _ Completer = (*ChatCompleter)(nil)

func (c *ChatCompleter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	chatReq := &llm.ChatCompletionRequest{
		Model:    c.model,
		Messages: make([]llm.ChatMessage, 0, len(req.Messages)+1),
	}
	if req.Instructions != "" {
		chatReq.Messages = append(chatReq.Messages, llm.ChatMessage{Role: "system", Content: req.Instructions})
	}
	for _, m := range req.Messages {
		chatReq.Messages = append(chatReq.Messages, toChatMessage(m))
	}
	for _, def := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Schema.JSONSchema(),
			},
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return nil, fmt.Errorf("chat completion %s returned no choices", resp.ID)
	}
	return fromChatMessage(resp.Choices[0].Message), nil
}

func toChatMessage(m domain.Message) llm.ChatMessage {
	out := llm.ChatMessage{
		Role:       string(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		args, err := json.Marshal(tc.Args)
		if err != nil || tc.Args == nil {
			args = []byte("{}")
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:   tc.ToolCallID,
			Type: "function",
			Function: llm.ToolCallFunction{
				Name:      tc.ToolName,
				Arguments: string(args),
			},
		})
	}
	return out
}

func fromChatMessage(msg *llm.ChatMessage) *Completion {
	out := &Completion{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			// Malformed arguments are left nil and rejected by schema validation.
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
			Args:       args,
		})
	}
	for _, a := range msg.Annotations {
		if a.Type != "url_citation" || a.URLCitation == nil {
			continue
		}
		out.Citations = append(out.Citations, domain.Citation{
			URL:   a.URLCitation.URL,
			Title: a.URLCitation.Title,
			Start: a.URLCitation.StartIndex,
			End:   a.URLCitation.EndIndex,
		})
	}
	return out
}
