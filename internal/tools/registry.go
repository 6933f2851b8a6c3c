// Package tools holds the registry of local capabilities a backend may invoke.
//
// A Registry is populated with explicit Register calls and sealed before it
// is bound to a session. After sealing it is read-only and safe for
// concurrent Invoke calls; handlers must themselves be safe for concurrent
// use, which the registry does not enforce.
//
// Handlers should return promptly once ctx is done. A cancelled run stops
// waiting for its tool batch and discards whatever the handlers return later.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
)

// HandlerFunc executes a tool with validated arguments.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Definition is the public contract of a registered tool.
type Definition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Schema      Schema `json:"schema"`
	Cacheable   bool   `json:"cacheable,omitempty"`
}

// Option customizes a tool at registration time.
type Option func(*Definition)

// Cacheable marks a tool whose results depend only on its arguments.
func Cacheable() Option {
	return func(d *Definition) { d.Cacheable = true }
}

type entry struct {
	def     Definition
	handler HandlerFunc
}

// Registry stores tools keyed by name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	sealed  bool
	cache   *resultCache
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithResultCache enables an LRU cache for tools registered as Cacheable.
func WithResultCache(cfg CacheConfig) RegistryOption {
	return func(r *Registry) {
		r.cache = newResultCache(cfg)
	}
}

// NewRegistry creates an empty tool registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a new tool.
func (r *Registry) Register(name, description string, schema Schema, handler HandlerFunc, opts ...Option) error {
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("handler is required for %s", name)
	}
	if err := schema.validateDefinition(); err != nil {
		return fmt.Errorf("invalid schema for %s: %w", name, err)
	}
	def := Definition{Name: name, Description: description, Schema: schema}
	for _, opt := range opts {
		opt(&def)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return domain.ErrRegistrySealed
	}
	if _, exists := r.entries[name]; exists {
		return &domain.DuplicateToolError{Name: name}
	}
	r.entries[name] = &entry{def: def, handler: handler}
	r.order = append(r.order, name)
	return nil
}

// MustRegister adds a tool or panics.
func (r *Registry) MustRegister(name, description string, schema Schema, handler HandlerFunc, opts ...Option) {
	if err := r.Register(name, description, schema, handler, opts...); err != nil {
		panic(err)
	}
}

// Seal makes the registry read-only.
func (r *Registry) Seal() *Registry {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
	return r
}

// Resolve returns the definition registered under name.
func (r *Registry) Resolve(name string) (Definition, error) {
	r.mu.RLock()
	e := r.entries[name]
	r.mu.RUnlock()
	if e == nil {
		return Definition{}, &domain.UnknownToolError{Name: name}
	}
	return e.def, nil
}

// Definitions returns every tool in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].def)
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Subset returns a sealed registry exposing only the named tools.
// With no names it returns the receiver sealed.
func (r *Registry) Subset(names ...string) (*Registry, error) {
	if len(names) == 0 {
		return r.Seal(), nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub := &Registry{
		entries: make(map[string]*entry, len(names)),
		cache:   r.cache,
		sealed:  true,
	}
	for _, name := range names {
		e := r.entries[name]
		if e == nil {
			return nil, &domain.UnknownToolError{Name: name}
		}
		if _, dup := sub.entries[name]; dup {
			continue
		}
		sub.entries[name] = e
		sub.order = append(sub.order, name)
	}
	return sub, nil
}

// Invoke validates args and runs the tool. Handler failures, including
// panics, are wrapped in a ToolExecutionError.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	r.mu.RLock()
	e := r.entries[name]
	r.mu.RUnlock()
	if e == nil {
		return nil, &domain.UnknownToolError{Name: name}
	}

	validated := make(map[string]any, len(args))
	for k, v := range args {
		validated[k] = v
	}
	if err := e.def.Schema.Validate(name, validated); err != nil {
		return nil, err
	}

	var key string
	if e.def.Cacheable && r.cache != nil {
		key = cacheKey(name, validated)
		if cached, ok := r.cache.get(key); ok {
			return cached, nil
		}
	}

	result, err := r.call(ctx, e, validated)
	if err != nil {
		return nil, err
	}
	if key != "" {
		r.cache.add(key, result)
	}
	return result, nil
}

func (r *Registry) call(ctx context.Context, e *entry, args map[string]any) (out json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = &domain.ToolExecutionError{Tool: e.def.Name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	result, err := e.handler(ctx, args)
	if err != nil {
		return nil, &domain.ToolExecutionError{Tool: e.def.Name, Err: err}
	}
	return encodeResult(e.def.Name, result)
}

func encodeResult(name string, result any) (json.RawMessage, error) {
	switch v := result.(type) {
	case nil:
		return json.RawMessage(`null`), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, &domain.ToolExecutionError{Tool: name, Err: fmt.Errorf("handler returned invalid JSON")}
		}
		return v, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, &domain.ToolExecutionError{Tool: name, Err: fmt.Errorf("failed to marshal result: %w", err)}
	}
	return data, nil
}
