package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	mr := miniredis.RunT(t)

	s, err := NewRedisStore(mr.Addr(), "", 0, "test:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestRedisStore_SetGet(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", 42, time.Minute))

	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(42), val)
}

func TestRedisStore_GetMissing(t *testing.T) {
	s := newTestRedisStore(t)

	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsKeyNotFound(err))
}

func TestRedisStore_Increment(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	val, err := s.Increment(ctx, "counter", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	val, err = s.Increment(ctx, "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(6), val)
}

func TestRedisStore_IncrementWithExpiry(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	val, err := s.IncrementWithExpiry(ctx, "counter", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val)

	val, err = s.IncrementWithExpiry(ctx, "counter", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), val)
}

func TestRedisStore_Delete(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", 1, time.Minute))
	require.NoError(t, s.Delete(ctx, "k"))

	_, err := s.Get(ctx, "k")
	assert.True(t, IsKeyNotFound(err))
}

func TestRedisStore_Prefix(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := NewRedisStore(mr.Addr(), "", 0, "mesh:")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Set(context.Background(), "k", 1, time.Minute))

	assert.True(t, mr.Exists("mesh:k"))
}

func TestRedisStore_CloseIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := NewRedisStore(mr.Addr(), "", 0, "")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestRedisStore_ConnectFailure(t *testing.T) {
	config := DefaultRedisConfig()
	config.Address = "127.0.0.1:1"
	config.DialTimeout = 50 * time.Millisecond
	config.ConnectionRetries = 1
	config.InitialBackoff = time.Millisecond
	config.MaxBackoff = 2 * time.Millisecond

	_, err := NewRedisStoreWithConfig(config)
	assert.Error(t, err)
}
