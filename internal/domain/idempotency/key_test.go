package idempotency

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrolshift/taskcore/pkg/common/logger"
)

func TestKeyGenerator_Deterministic(t *testing.T) {
	t.Parallel()

	gen := NewKeyGenerator(logger.Noop())
	ctx := context.Background()

	args := []any{"order-123", float64(42)}
	kwargs := map[string]any{"notify": true, "region": "eu-west-1"}

	first := gen.Generate(ctx, "process_order", args, kwargs, ScopeUser)
	second := gen.Generate(ctx, "process_order", args, kwargs, ScopeUser)

	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(first, "task:process_order:"))
}

func TestKeyGenerator_KwargOrderIndependent(t *testing.T) {
	t.Parallel()

	gen := NewKeyGenerator(logger.Noop())
	ctx := context.Background()

	// Maps built in different insertion orders must hash identically.
	a := map[string]any{}
	a["alpha"] = 1
	a["beta"] = 2
	a["gamma"] = 3

	b := map[string]any{}
	b["gamma"] = 3
	b["alpha"] = 1
	b["beta"] = 2

	keyA := gen.Generate(ctx, "sync", nil, a, ScopeGlobal)
	keyB := gen.Generate(ctx, "sync", nil, b, ScopeGlobal)

	assert.Equal(t, keyA, keyB)
}

func TestKeyGenerator_InputsChangeKey(t *testing.T) {
	t.Parallel()

	gen := NewKeyGenerator(logger.Noop())
	ctx := context.Background()

	base := gen.Generate(ctx, "send_email", []any{"a@example.com"}, nil, ScopeUser)

	tests := []struct {
		name string
		key  string
	}{
		{
			name: "different task name",
			key:  gen.Generate(ctx, "send_sms", []any{"a@example.com"}, nil, ScopeUser),
		},
		{
			name: "different args",
			key:  gen.Generate(ctx, "send_email", []any{"b@example.com"}, nil, ScopeUser),
		},
		{
			name: "different scope",
			key:  gen.Generate(ctx, "send_email", []any{"a@example.com"}, nil, ScopeTenant),
		},
		{
			name: "added kwargs",
			key:  gen.Generate(ctx, "send_email", []any{"a@example.com"}, map[string]any{"cc": "c@example.com"}, ScopeUser),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.NotEqual(t, base, tt.key)
		})
	}
}

func TestKeyGenerator_FallbackOnUnserializableArgs(t *testing.T) {
	t.Parallel()

	gen := NewKeyGenerator(logger.Noop())
	ctx := context.Background()

	// Channels cannot be JSON-marshaled, forcing the fallback path.
	ch := make(chan int)
	key := gen.Generate(ctx, "weird_task", []any{ch}, nil, ScopeGlobal)

	require.NotEmpty(t, key)
	assert.True(t, strings.HasPrefix(key, "task:weird_task:fallback:"))

	// The fallback is still deterministic for the same inputs.
	again := gen.Generate(ctx, "weird_task", []any{ch}, nil, ScopeGlobal)
	assert.Equal(t, key, again)
}

func TestKeyGenerator_DigestLength(t *testing.T) {
	t.Parallel()

	gen := NewKeyGenerator(logger.Noop())

	key := gen.Generate(context.Background(), "t", nil, nil, ScopeGlobal)
	parts := strings.Split(key, ":")
	require.Len(t, parts, 3)
	assert.Len(t, parts[2], keyDigestLen)
}
