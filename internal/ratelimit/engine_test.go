package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, rules []Rule) *Engine {
	t.Helper()
	e, err := NewEngine(rules)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_TokenBucketRule(t *testing.T) {
	e := newTestEngine(t, []Rule{
		{Resource: "orders", Algorithm: AlgorithmTokenBucket, Capacity: 5, RefillPerSec: 1},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := e.Allow(ctx, "client-1", "orders")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should be allowed", i+1)
	}

	res, err := e.Allow(ctx, "client-1", "orders")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestEngine_SlidingWindowRule(t *testing.T) {
	e := newTestEngine(t, []Rule{
		{Resource: "search", Algorithm: AlgorithmSlidingWindow, Requests: 2, Window: time.Minute},
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := e.Allow(ctx, "client-1", "search")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := e.Allow(ctx, "client-1", "search")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestEngine_UnmatchedResourceAllowed(t *testing.T) {
	e := newTestEngine(t, []Rule{
		{Resource: "orders", Algorithm: AlgorithmTokenBucket, Capacity: 1, RefillPerSec: 1},
	})

	for i := 0; i < 10; i++ {
		res, err := e.Allow(context.Background(), "client-1", "unlimited")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestEngine_DefaultRuleFallback(t *testing.T) {
	e := newTestEngine(t, []Rule{
		{Resource: DefaultResource, Algorithm: AlgorithmTokenBucket, Capacity: 1, RefillPerSec: 0.001},
	})
	ctx := context.Background()

	res, err := e.Allow(ctx, "client-1", "anything")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = e.Allow(ctx, "client-1", "anything")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestEngine_DefaultRuleBudgetsPerResource(t *testing.T) {
	e := newTestEngine(t, []Rule{
		{Resource: DefaultResource, Algorithm: AlgorithmTokenBucket, Capacity: 1, RefillPerSec: 0.001},
	})
	ctx := context.Background()

	res, err := e.Allow(ctx, "client-1", "orders")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = e.Allow(ctx, "client-1", "orders")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// A different resource under the same default rule has its own budget.
	res, err = e.Allow(ctx, "client-1", "payments")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestEngine_ClientsAreIndependent(t *testing.T) {
	e := newTestEngine(t, []Rule{
		{Resource: "orders", Algorithm: AlgorithmTokenBucket, Capacity: 1, RefillPerSec: 0.001},
	})
	ctx := context.Background()

	res, err := e.Allow(ctx, "client-a", "orders")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = e.Allow(ctx, "client-a", "orders")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = e.Allow(ctx, "client-b", "orders")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestEngine_Reset(t *testing.T) {
	e := newTestEngine(t, []Rule{
		{Resource: "orders", Algorithm: AlgorithmTokenBucket, Capacity: 1, RefillPerSec: 0.001},
	})
	ctx := context.Background()

	res, err := e.Allow(ctx, "client-1", "orders")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	require.NoError(t, e.Reset(ctx, "client-1", "orders"))

	res, err = e.Allow(ctx, "client-1", "orders")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestEngine_PurgeResource(t *testing.T) {
	e := newTestEngine(t, []Rule{
		{Resource: "orders", Algorithm: AlgorithmTokenBucket, Capacity: 1, RefillPerSec: 0.001},
	})
	ctx := context.Background()

	res, err := e.Allow(ctx, "client-1", "orders")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	e.PurgeResource("orders")

	// Fresh limiter state after the purge.
	res, err = e.Allow(ctx, "client-1", "orders")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestEngine_InvalidRules(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{
			name: "missing resource",
			rule: Rule{Algorithm: AlgorithmTokenBucket, Capacity: 1, RefillPerSec: 1},
		},
		{
			name: "unknown algorithm",
			rule: Rule{Resource: "r", Algorithm: "leaky_bucket", Capacity: 1, RefillPerSec: 1},
		},
		{
			name: "token bucket zero capacity",
			rule: Rule{Resource: "r", Algorithm: AlgorithmTokenBucket, Capacity: 0, RefillPerSec: 1},
		},
		{
			name: "token bucket zero refill",
			rule: Rule{Resource: "r", Algorithm: AlgorithmTokenBucket, Capacity: 1, RefillPerSec: 0},
		},
		{
			name: "sliding window zero requests",
			rule: Rule{Resource: "r", Algorithm: AlgorithmSlidingWindow, Requests: 0, Window: time.Minute},
		},
		{
			name: "sliding window zero window",
			rule: Rule{Resource: "r", Algorithm: AlgorithmSlidingWindow, Requests: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine([]Rule{tt.rule})
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestEngine_DuplicateResource(t *testing.T) {
	_, err := NewEngine([]Rule{
		{Resource: "r", Algorithm: AlgorithmTokenBucket, Capacity: 1, RefillPerSec: 1},
		{Resource: "r", Algorithm: AlgorithmSlidingWindow, Requests: 1, Window: time.Minute},
	})
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestEngine_Rules(t *testing.T) {
	e := newTestEngine(t, []Rule{
		{Resource: "a", Algorithm: AlgorithmTokenBucket, Capacity: 1, RefillPerSec: 1},
		{Resource: "b", Algorithm: AlgorithmSlidingWindow, Requests: 1, Window: time.Minute},
	})

	assert.Len(t, e.Rules(), 2)
}

func TestEngine_ReplaceRulesResetsChangedResources(t *testing.T) {
	e := newTestEngine(t, []Rule{
		{Resource: "orders", Algorithm: AlgorithmTokenBucket, Capacity: 1, RefillPerSec: 0.001},
		{Resource: "stable", Algorithm: AlgorithmTokenBucket, Capacity: 2, RefillPerSec: 0.001},
	})
	ctx := context.Background()

	res, err := e.Allow(ctx, "client-1", "orders")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = e.Allow(ctx, "client-1", "orders")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = e.Allow(ctx, "client-1", "stable")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	require.NoError(t, e.ReplaceRules([]Rule{
		{Resource: "orders", Algorithm: AlgorithmTokenBucket, Capacity: 3, RefillPerSec: 0.001},
		{Resource: "stable", Algorithm: AlgorithmTokenBucket, Capacity: 2, RefillPerSec: 0.001},
	}))

	// Changed resource starts from a fresh budget with the new capacity.
	for i := 0; i < 3; i++ {
		res, err = e.Allow(ctx, "client-1", "orders")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	// Unchanged resource keeps its consumed state.
	res, err = e.Allow(ctx, "client-1", "stable")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = e.Allow(ctx, "client-1", "stable")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestEngine_ReplaceRulesRejectsInvalidSet(t *testing.T) {
	e := newTestEngine(t, []Rule{
		{Resource: "orders", Algorithm: AlgorithmTokenBucket, Capacity: 1, RefillPerSec: 1},
	})

	err := e.ReplaceRules([]Rule{
		{Resource: "orders", Algorithm: AlgorithmTokenBucket, Capacity: 0, RefillPerSec: 1},
	})
	require.ErrorIs(t, err, ErrInvalidRule)

	// The old set stays in force after a rejected replacement.
	assert.Len(t, e.Rules(), 1)
	assert.Equal(t, 1, e.Rules()[0].Capacity)
}

func TestEngine_ReplaceRulesDropsRemovedResource(t *testing.T) {
	e := newTestEngine(t, []Rule{
		{Resource: "orders", Algorithm: AlgorithmTokenBucket, Capacity: 1, RefillPerSec: 0.001},
	})
	ctx := context.Background()

	res, err := e.Allow(ctx, "client-1", "orders")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	require.NoError(t, e.ReplaceRules(nil))

	// No rules left, so everything is admitted.
	res, err = e.Allow(ctx, "client-1", "orders")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
