package backend

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicCompleter runs steps against the Anthropic Messages API.
type AnthropicCompleter struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicCompleter creates a completer for model.
func NewAnthropicCompleter(client *anthropic.Client, model string) *AnthropicCompleter {
	return &AnthropicCompleter{
		client:    client,
		model:     anthropic.Model(model),
		maxTokens: defaultAnthropicMaxTokens,
	}
}

var _ Completer = (*AnthropicCompleter)(nil)

func (c *AnthropicCompleter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.Instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Instructions}}
	}
	for _, def := range req.Tools {
		schema := def.Schema.JSONSchema()
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			},
		}})
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	out := &Completion{}
	var text []string
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			text = append(text, v.Text)
		case anthropic.ToolUseBlock:
			var args map[string]any
			_ = json.Unmarshal([]byte(v.JSON.Input.Raw()), &args)
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
				ToolCallID: v.ID,
				ToolName:   v.Name,
				Args:       args,
			})
		}
	}
	out.Content = strings.Join(text, "\n")
	return out, nil
}

// toAnthropicMessages converts a thread into alternating user and assistant
// turns. Tool outputs travel as tool_result blocks inside user turns, and
// consecutive messages with the same resulting role are merged.
func toAnthropicMessages(messages []domain.Message) []anthropic.MessageParam {
	var (
		out     []anthropic.MessageParam
		blocks  []anthropic.ContentBlockParamUnion
		current anthropic.MessageParamRole
	)
	flush := func() {
		if len(blocks) == 0 {
			return
		}
		if current == anthropic.MessageParamRoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
		blocks = nil
	}
	appendBlocks := func(role anthropic.MessageParamRole, bs ...anthropic.ContentBlockParamUnion) {
		if len(bs) == 0 {
			return
		}
		if role != current {
			flush()
			current = role
		}
		blocks = append(blocks, bs...)
	}

	for _, m := range messages {
		switch m.Role {
		case domain.RoleUser:
			if m.Content != "" {
				appendBlocks(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(m.Content))
			}
		case domain.RoleTool:
			appendBlocks(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		case domain.RoleAssistant:
			var bs []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				bs = append(bs, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				bs = append(bs, anthropic.ContentBlockParamUnion{OfToolUse: &anthropic.ToolUseBlockParam{
					ID:    tc.ToolCallID,
					Name:  tc.ToolName,
					Input: args,
				}})
			}
			appendBlocks(anthropic.MessageParamRoleAssistant, bs...)
		}
	}
	flush()
	return out
}
