package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/invopop/jsonschema"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
)

// ParamType is the JSON type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// Parameter declares one named argument of a tool.
type Parameter struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required,omitempty"`
	Enum        []any     `json:"enum,omitempty"`
}

// Schema is the typed parameter list a tool publishes to the backend.
type Schema struct {
	Parameters []Parameter `json:"parameters"`
	// AllowExtra accepts arguments that are not declared.
	AllowExtra bool `json:"allow_extra,omitempty"`
}

// Params is a convenience constructor for a strict schema.
func Params(params ...Parameter) Schema {
	return Schema{Parameters: params}
}

// Required returns the names of the required parameters in declaration order.
func (s Schema) Required() []string {
	var out []string
	for _, p := range s.Parameters {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

func (s Schema) validateDefinition() error {
	seen := make(map[string]bool, len(s.Parameters))
	for _, p := range s.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("parameter %s declared twice", p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeObject, TypeArray:
		default:
			return fmt.Errorf("parameter %s has unsupported type %q", p.Name, p.Type)
		}
	}
	return nil
}

// Validate checks args against the schema. Integer parameters are normalized
// to int64 in place so handlers see a single representation.
func (s Schema) Validate(tool string, args map[string]any) error {
	declared := make(map[string]Parameter, len(s.Parameters))
	for _, p := range s.Parameters {
		declared[p.Name] = p
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				return &domain.InvalidArgumentsError{Tool: tool, Field: p.Name, Reason: "missing required parameter"}
			}
			continue
		}
		norm, err := coerce(p.Type, v)
		if err != nil {
			return &domain.InvalidArgumentsError{Tool: tool, Field: p.Name, Reason: err.Error()}
		}
		if len(p.Enum) > 0 && !inEnum(p.Type, p.Enum, norm) {
			return &domain.InvalidArgumentsError{Tool: tool, Field: p.Name, Reason: fmt.Sprintf("value %v not allowed", v)}
		}
		args[p.Name] = norm
	}
	if s.AllowExtra {
		return nil
	}
	var extra []string
	for k := range args {
		if _, ok := declared[k]; !ok {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return &domain.InvalidArgumentsError{Tool: tool, Field: extra[0], Reason: "unknown parameter"}
	}
	return nil
}

func coerce(t ParamType, v any) (any, error) {
	switch t {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeInteger:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n == math.Trunc(n) && !math.IsInf(n, 0) {
				return int64(n), nil
			}
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
		}
	case TypeNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, nil
			}
		}
	case TypeObject:
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
	case TypeArray:
		if a, ok := v.([]any); ok {
			return a, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", t, v)
}

func inEnum(t ParamType, enum []any, v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return false
	}
	for _, e := range enum {
		if norm, err := coerce(t, e); err == nil && norm == v {
			return true
		}
	}
	return false
}

// JSONSchema renders the parameters as a JSON Schema object.
func (s Schema) JSONSchema() *jsonschema.Schema {
	props := jsonschema.NewProperties()
	for _, p := range s.Parameters {
		props.Set(p.Name, &jsonschema.Schema{
			Type:        string(p.Type),
			Description: p.Description,
			Enum:        p.Enum,
		})
	}
	out := &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   s.Required(),
	}
	if !s.AllowExtra {
		out.AdditionalProperties = jsonschema.FalseSchema
	}
	return out
}
