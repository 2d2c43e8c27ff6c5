package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamesh/internal/ratelimit/store"
)

func TestSlidingWindow_LimitWithinWindow(t *testing.T) {
	l := NewSlidingWindowLimiter(nil, 3, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "client")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should be allowed", i+1)
	}

	res, err := l.Allow(ctx, "client")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestSlidingWindow_EventsExpire(t *testing.T) {
	l := NewSlidingWindowLimiter(nil, 2, 50*time.Millisecond, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "client")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := l.Allow(ctx, "client")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	time.Sleep(60 * time.Millisecond)

	res, err = l.Allow(ctx, "client")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSlidingWindow_RejectionConsumesNothing(t *testing.T) {
	l := NewSlidingWindowLimiter(nil, 3, time.Minute, nil)
	ctx := context.Background()

	res, err := l.AllowN(ctx, "client", 5)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = l.AllowN(ctx, "client", 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSlidingWindow_RetryAfter(t *testing.T) {
	l := NewSlidingWindowLimiter(nil, 1, time.Minute, nil)
	ctx := context.Background()

	res, err := l.Allow(ctx, "client")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Allow(ctx, "client")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, 50*time.Second)
	assert.LessOrEqual(t, res.RetryAfter, time.Minute)
}

func TestSlidingWindow_IndependentKeys(t *testing.T) {
	l := NewSlidingWindowLimiter(nil, 1, time.Minute, nil)
	ctx := context.Background()

	res, err := l.Allow(ctx, "a")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Allow(ctx, "b")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSlidingWindow_Reset(t *testing.T) {
	l := NewSlidingWindowLimiter(nil, 1, time.Minute, nil)
	ctx := context.Background()

	res, err := l.Allow(ctx, "client")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	require.NoError(t, l.Reset(ctx, "client"))

	res, err = l.Allow(ctx, "client")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSlidingWindow_Cleanup(t *testing.T) {
	l := NewSlidingWindowLimiter(nil, 5, 10*time.Millisecond, nil)
	ctx := context.Background()

	_, err := l.Allow(ctx, "stale")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	l.Cleanup(10 * time.Millisecond)

	_, ok := l.windows.Load("stale")
	assert.False(t, ok)
}

func TestSlidingWindow_Distributed(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := store.NewRedisStore(mr.Addr(), "", 0, "test:")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	l := NewSlidingWindowLimiter(s, 2, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "client")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should be allowed", i+1)
	}

	res, err := l.Allow(ctx, "client")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}
