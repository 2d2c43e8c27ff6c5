package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_InitialLoad(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	w, err := NewWatcher(path, nil, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	cfg := w.LastConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, "test-mesh", cfg.Node)
}

func TestWatcher_ReloadOnChange(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	var reloads atomic.Int32
	var lastNode atomic.Value

	w, err := NewWatcher(path, func(cfg *MeshConfig) {
		lastNode.Store(cfg.Node)
		reloads.Add(1)
	}, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	updated := "node: updated-mesh\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		return reloads.Load() > 0
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, "updated-mesh", lastNode.Load())
}

func TestWatcher_InvalidReloadKeepsLastConfig(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	var errs atomic.Int32
	w, err := NewWatcher(path, nil,
		WithDebounceDelay(10*time.Millisecond),
		WithErrorCallback(func(error) { errs.Add(1) }),
	)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	bad := "rateLimit:\n  rules:\n    - resource: x\n      algorithm: bogus\n"
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o600))

	require.Eventually(t, func() bool {
		return errs.Load() > 0
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, "test-mesh", w.LastConfig().Node)
}

func TestWatcher_StopIdempotent(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	var reloads atomic.Int32
	w, err := NewWatcher(path, func(*MeshConfig) { reloads.Add(1) },
		WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	other := filepath.Join(filepath.Dir(path), "other.yaml")
	require.NoError(t, os.WriteFile(other, []byte("x: 1\n"), 0o600))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), reloads.Load())
}
