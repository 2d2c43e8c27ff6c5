package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStoreWithCleanupInterval(10 * time.Millisecond)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemoryStore_SetGet(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", 42, time.Minute))

	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(42), val)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := newTestMemoryStore(t)

	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsKeyNotFound(err))
}

func TestMemoryStore_Expiration(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", 1, 10*time.Millisecond))

	time.Sleep(20 * time.Millisecond)

	_, err := s.Get(ctx, "k")
	assert.True(t, IsKeyNotFound(err))
}

func TestMemoryStore_Increment(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	val, err := s.Increment(ctx, "counter", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	val, err = s.Increment(ctx, "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(6), val)
}

func TestMemoryStore_IncrementWithExpiry(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	val, err := s.IncrementWithExpiry(ctx, "counter", 2, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val)

	time.Sleep(20 * time.Millisecond)

	// Expired key restarts from the delta.
	val, err = s.IncrementWithExpiry(ctx, "counter", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), val)
}

func TestMemoryStore_ConcurrentIncrement(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	const goroutines = 20
	const perGoroutine = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				_, err := s.Increment(ctx, "counter", 1)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	val, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(goroutines*perGoroutine), val)
}

func TestMemoryStore_Delete(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", 1, 0))
	require.NoError(t, s.Delete(ctx, "k"))

	_, err := s.Get(ctx, "k")
	assert.True(t, IsKeyNotFound(err))
}

func TestMemoryStore_BackgroundCleanup(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "stale", 1, 5*time.Millisecond))
	require.NoError(t, s.Set(ctx, "fresh", 1, time.Minute))

	require.Eventually(t, func() bool {
		return s.Size() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStore_CloseIdempotent(t *testing.T) {
	s := NewMemoryStore()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestMemoryStore_ContextCancelled(t *testing.T) {
	s := newTestMemoryStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)

	err = s.Set(ctx, "k", 1, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
