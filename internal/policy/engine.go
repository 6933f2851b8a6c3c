// Package policy gates tool calls through an OPA rego policy.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
)

// Action is the outcome of a policy evaluation.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionBlock           Action = "block"
	ActionRequireApproval Action = "require_approval"
)

// Decision is the evaluated verdict for one tool call.
type Decision struct {
	Action Action
	Reason string
}

// Allowed reports whether the call may be dispatched. Approval flows are
// not supported, so require_approval is treated as a block.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// Input is the document the policy evaluates.
type Input struct {
	ToolName  string         `json:"tool_name"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Args      map[string]any `json:"args"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy from path, or DefaultPolicy when path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return NewEngine(ctx, string(data))
}

// Evaluate checks the tool policy for input.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	if input.Args == nil {
		input.Args = map[string]any{}
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Action: ActionAllow, Reason: "default"}, nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{Action: ActionAllow, Reason: "default"}, nil
	}
	d := Decision{Action: ActionAllow}
	if s, ok := doc["decision"].(string); ok {
		d.Action = Action(s)
	}
	if s, ok := doc["reason"].(string); ok {
		d.Reason = s
	}
	switch d.Action {
	case ActionAllow, ActionBlock, ActionRequireApproval:
	default:
		return Decision{}, fmt.Errorf("policy returned unknown decision %q", d.Action)
	}
	return d, nil
}

// Check evaluates the policy for a tool call issued in a user's session.
func (e *Engine) Check(ctx context.Context, userID, sessionID string, call domain.ToolCall) (Decision, error) {
	return e.Evaluate(ctx, Input{
		ToolName:  call.ToolName,
		UserID:    userID,
		SessionID: sessionID,
		Args:      call.Args,
	})
}

// DefaultPolicy allows every tool except those in the dangerous namespace.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

default reason = ""

decision = "block" {
	startswith(input.tool_name, "dangerous.")
}

reason = "tool is disabled by policy" {
	decision == "block"
}
`
