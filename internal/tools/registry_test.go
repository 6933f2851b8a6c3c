package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
)

func echoHandler(_ context.Context, args map[string]any) (any, error) {
	return args, nil
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("echo", "", Schema{AllowExtra: true}, echoHandler))

	err := r.Register("echo", "", Schema{}, echoHandler)
	var dup *domain.DuplicateToolError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "echo", dup.Name)
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register("", "", Schema{}, echoHandler))
	assert.Error(t, r.Register("nil", "", Schema{}, nil))
	assert.Error(t, r.Register("bad", "", Params(Parameter{Name: "x", Type: "date"}), echoHandler))
	assert.Error(t, r.Register("twice", "", Params(
		Parameter{Name: "x", Type: TypeString},
		Parameter{Name: "x", Type: TypeString},
	), echoHandler))
}

func TestRegisterAfterSeal(t *testing.T) {
	r := NewRegistry().Seal()
	err := r.Register("late", "", Schema{}, echoHandler)
	assert.ErrorIs(t, err, domain.ErrRegistrySealed)
}

func TestResolveUnknown(t *testing.T) {
	_, err := NewRegistry().Resolve("missing")
	var unknown *domain.UnknownToolError
	assert.ErrorAs(t, err, &unknown)
}

func TestInvokeValidatesArguments(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("add", "adds", Params(
		Parameter{Name: "a", Type: TypeInteger, Required: true},
		Parameter{Name: "b", Type: TypeInteger, Required: true},
	), func(_ context.Context, args map[string]any) (any, error) {
		return args["a"].(int64) + args["b"].(int64), nil
	})

	out, err := r.Invoke(context.Background(), "add", map[string]any{"a": float64(2), "b": 3})
	require.NoError(t, err)
	assert.JSONEq(t, `5`, string(out))

	tests := []struct {
		name  string
		args  map[string]any
		field string
	}{
		{"missing", map[string]any{"a": 1}, "b"},
		{"wrong type", map[string]any{"a": "1", "b": 2}, "a"},
		{"fractional", map[string]any{"a": 1.5, "b": 2}, "a"},
		{"unknown", map[string]any{"a": 1, "b": 2, "c": 3}, "c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Invoke(context.Background(), "add", tt.args)
			var invalid *domain.InvalidArgumentsError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.field, invalid.Field)
		})
	}
}

func TestInvokeDoesNotMutateCallerArgs(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("id", "", Params(Parameter{Name: "n", Type: TypeInteger}), echoHandler)

	args := map[string]any{"n": float64(7)}
	_, err := r.Invoke(context.Background(), "id", args)
	require.NoError(t, err)
	assert.Equal(t, float64(7), args["n"])
}

func TestInvokeWrapsHandlerFailure(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry()
	r.MustRegister("fail", "", Schema{}, func(context.Context, map[string]any) (any, error) {
		return nil, boom
	})
	r.MustRegister("panic", "", Schema{}, func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	})

	_, err := r.Invoke(context.Background(), "fail", nil)
	var execErr *domain.ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, boom)

	_, err = r.Invoke(context.Background(), "panic", nil)
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestInvokeRawResult(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("raw", "", Schema{}, func(context.Context, map[string]any) (any, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	r.MustRegister("broken", "", Schema{}, func(context.Context, map[string]any) (any, error) {
		return json.RawMessage(`{`), nil
	})

	out, err := r.Invoke(context.Background(), "raw", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))

	_, err = r.Invoke(context.Background(), "broken", nil)
	var execErr *domain.ToolExecutionError
	assert.ErrorAs(t, err, &execErr)
}

func TestDefinitionsKeepRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		r.MustRegister(name, "", Schema{}, echoHandler)
	}
	var names []string
	for _, d := range r.Definitions() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"c", "a", "b"}, names)
}

func TestSubset(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("a", "", Schema{}, echoHandler)
	r.MustRegister("b", "", Schema{}, echoHandler)

	sub, err := r.Subset("b")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Len())
	_, err = sub.Resolve("a")
	assert.Error(t, err)
	assert.ErrorIs(t, sub.Register("c", "", Schema{}, echoHandler), domain.ErrRegistrySealed)

	_, err = r.Subset("zzz")
	var unknown *domain.UnknownToolError
	assert.ErrorAs(t, err, &unknown)
}

func TestResultCache(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(WithResultCache(CacheConfig{MaxSize: 8, TTL: time.Minute}))
	r.MustRegister("lookup", "", Params(Parameter{Name: "k", Type: TypeString}), func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return "v", nil
	}, Cacheable())
	r.MustRegister("fresh", "", Schema{}, func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return "v", nil
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := r.Invoke(ctx, "lookup", map[string]any{"k": "x"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())

	_, _ = r.Invoke(ctx, "lookup", map[string]any{"k": "y"})
	assert.Equal(t, int32(2), calls.Load())

	now := time.Now()
	r.cache.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, _ = r.Invoke(ctx, "lookup", map[string]any{"k": "x"})
	assert.Equal(t, int32(3), calls.Load())

	_, _ = r.Invoke(ctx, "fresh", nil)
	_, _ = r.Invoke(ctx, "fresh", nil)
	assert.Equal(t, int32(5), calls.Load())
}

func TestConcurrentInvoke(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("get_user_info", "", Params(Parameter{Name: "user_id", Type: TypeInteger, Required: true}), GetUserInfo)
	r.Seal()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, _ = r.Invoke(context.Background(), "get_user_info", map[string]any{"user_id": id%4 + 1})
		}(i)
	}
	wg.Wait()
}
