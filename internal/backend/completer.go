package backend

import (
	"context"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
	"github.com/rsanchezec/AzureAIAgentService/internal/tools"
)

// CompletionRequest is one model step over a thread.
type CompletionRequest struct {
	Instructions string
	Messages     []domain.Message
	Tools        []tools.Definition
}

// Completion is the model output for one step. A completion with tool
// calls pauses the run until their outputs are submitted.
type Completion struct {
	Content   string
	ToolCalls []domain.ToolCall
	Citations []domain.Citation
}

// Completer performs one synchronous model step.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req CompletionRequest) (*Completion, error)

func (f CompleterFunc) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	return f(ctx, req)
}
