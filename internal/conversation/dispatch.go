package conversation

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
	"github.com/rsanchezec/AzureAIAgentService/internal/policy"
)

// resolveToolCalls executes one batch of tool calls and returns exactly one
// tool message per call, in the order the calls were received. When ctx ends
// first it returns nil without waiting for handlers that ignore ctx; their
// results are dropped.
func (c *Conversation) resolveToolCalls(ctx context.Context, runID string, calls []domain.ToolCall) []domain.Message {
	outputs := make([]domain.Message, len(calls))

	var g errgroup.Group
	g.SetLimit(maxParallelTools)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i, call := range calls {
			i, call := i, call
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				outputs[i] = c.resolveToolCall(ctx, runID, call)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
		return outputs
	case <-ctx.Done():
		return nil
	}
}

func (c *Conversation) resolveToolCall(ctx context.Context, runID string, call domain.ToolCall) domain.Message {
	msg := domain.Message{
		MessageID:  domain.NewMessageID(),
		SessionID:  c.id,
		RunID:      runID,
		Role:       domain.RoleTool,
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
	}
	log := c.opts.Logger.With().
		Str("session_id", c.id).
		Str("run_id", runID).
		Str("tool", call.ToolName).
		Logger()

	if c.opts.Gate != nil {
		decision, err := c.opts.Gate.Check(ctx, c.opts.UserID, c.id, call)
		switch {
		case err != nil:
			log.Error().Err(err).Msg("policy evaluation failed")
			return c.toolFailure(msg, "policy_error", err.Error(), "blocked")
		case !decision.Allowed():
			log.Warn().Str("action", string(decision.Action)).Str("reason", decision.Reason).Msg("tool call blocked by policy")
			code := "blocked"
			if decision.Action == policy.ActionRequireApproval {
				code = "approval_required"
			}
			return c.toolFailure(msg, code, decision.Reason, "blocked")
		}
	}

	if c.registry == nil {
		err := &domain.UnknownToolError{Name: call.ToolName}
		return c.toolFailure(msg, domain.ToolErrorCode(err), err.Error(), "error")
	}

	start := time.Now()
	result, err := c.registry.Invoke(ctx, call.ToolName, call.Args)
	if err != nil {
		log.Warn().Err(err).Msg("tool call failed")
		return c.toolFailure(msg, domain.ToolErrorCode(err), err.Error(), "error")
	}
	log.Debug().Dur("duration", time.Since(start)).Msg("tool call succeeded")

	c.opts.Metrics.ToolCall(call.ToolName, "ok")
	msg.Content = string(result)
	msg.CreatedAt = time.Now().UTC()
	return msg
}

func (c *Conversation) toolFailure(msg domain.Message, code, detail, outcome string) domain.Message {
	c.opts.Metrics.ToolCall(msg.ToolName, outcome)
	msg.Content = domain.ToolErrorPayload(code, detail)
	msg.IsError = true
	msg.CreatedAt = time.Now().UTC()
	return msg
}
