package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T, config *Config) *Breaker {
	t.Helper()
	b, err := New("svc/ep1", config, nil)
	require.NoError(t, err)
	return b
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := newTestBreaker(t, nil)

	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(t, DefaultConfig().WithFailureThreshold(3))

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State())
	}

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b := newTestBreaker(t, DefaultConfig().WithFailureThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenProbeAdmittedOnce(t *testing.T) {
	config := DefaultConfig().
		WithFailureThreshold(3).
		WithOpenTimeout(20 * time.Millisecond)
	b := newTestBreaker(t, config)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.Allow())

	time.Sleep(30 * time.Millisecond)

	// First call after the timeout flips to half-open and is admitted.
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// The probe budget is one; the next caller is rejected.
	assert.False(t, b.Allow())
}

func TestBreaker_HalfOpenClosesAfterSuccessStreak(t *testing.T) {
	config := DefaultConfig().
		WithFailureThreshold(1).
		WithSuccessThreshold(2).
		WithOpenTimeout(10 * time.Millisecond)
	b := newTestBreaker(t, config)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())

	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	config := DefaultConfig().
		WithFailureThreshold(1).
		WithOpenTimeout(10 * time.Millisecond)
	b := newTestBreaker(t, config)

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	require.True(t, b.Allow())
	b.RecordFailure()

	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_OpenTimeoutBacksOff(t *testing.T) {
	config := DefaultConfig().
		WithFailureThreshold(1).
		WithOpenTimeout(10 * time.Millisecond).
		WithMaxOpenTimeout(25 * time.Millisecond)
	b := newTestBreaker(t, config)

	b.RecordFailure()
	assert.Equal(t, 10*time.Millisecond, b.Snapshot().OpenTimeout)

	time.Sleep(15 * time.Millisecond)
	require.True(t, b.Allow())
	b.RecordFailure()

	// Doubled after the failed probe.
	assert.Equal(t, 20*time.Millisecond, b.Snapshot().OpenTimeout)

	time.Sleep(25 * time.Millisecond)
	require.True(t, b.Allow())
	b.RecordFailure()

	// Capped at the configured maximum.
	assert.Equal(t, 25*time.Millisecond, b.Snapshot().OpenTimeout)
}

func TestBreaker_TimeoutResetsOnClose(t *testing.T) {
	config := DefaultConfig().
		WithFailureThreshold(1).
		WithSuccessThreshold(1).
		WithOpenTimeout(10 * time.Millisecond)
	b := newTestBreaker(t, config)

	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	require.True(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, 20*time.Millisecond, b.Snapshot().OpenTimeout)

	time.Sleep(25 * time.Millisecond)
	require.True(t, b.Allow())
	b.RecordSuccess()
	require.Equal(t, StateClosed, b.State())

	assert.Equal(t, 10*time.Millisecond, b.Snapshot().OpenTimeout)
}

func TestBreaker_NeverSkipsHalfOpen(t *testing.T) {
	config := DefaultConfig().
		WithFailureThreshold(1).
		WithSuccessThreshold(1).
		WithOpenTimeout(10 * time.Millisecond)
	b := newTestBreaker(t, config)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	// Even long after the timeout, the state only moves to half-open
	// once a caller asks.
	require.Equal(t, StateOpen, b.State())
	require.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_Execute(t *testing.T) {
	b := newTestBreaker(t, DefaultConfig().WithFailureThreshold(2))
	ctx := context.Background()

	callErr := errors.New("backend down")

	require.ErrorIs(t, b.Execute(ctx, func() error { return callErr }), callErr)
	require.ErrorIs(t, b.Execute(ctx, func() error { return callErr }), callErr)

	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Execute(ctx, func() error { return nil }), ErrCircuitOpen)
}

func TestBreaker_ExecuteWithFallback(t *testing.T) {
	b := newTestBreaker(t, DefaultConfig().WithFailureThreshold(1))
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, func() error { return errors.New("boom") }))
	require.Equal(t, StateOpen, b.State())

	fallbackCalled := false
	err := b.ExecuteWithFallback(ctx,
		func() error { return nil },
		func(err error) error {
			fallbackCalled = true
			return nil
		},
	)
	require.NoError(t, err)
	assert.True(t, fallbackCalled)
}

func TestBreaker_IsSuccessful(t *testing.T) {
	ignorable := errors.New("expected error")
	config := DefaultConfig().
		WithFailureThreshold(1).
		WithIsSuccessful(func(err error) bool {
			return err == nil || errors.Is(err, ignorable)
		})
	b := newTestBreaker(t, config)

	require.Error(t, b.Execute(context.Background(), func() error { return ignorable }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OnStateChange(t *testing.T) {
	changes := make(chan State, 4)
	config := DefaultConfig().
		WithFailureThreshold(1).
		WithOnStateChange(func(name string, from, to State) {
			changes <- to
		})
	b := newTestBreaker(t, config)

	b.RecordFailure()

	select {
	case to := <-changes:
		assert.Equal(t, StateOpen, to)
	case <-time.After(time.Second):
		t.Fatal("state change callback not invoked")
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := newTestBreaker(t, DefaultConfig().WithFailureThreshold(1))

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_Snapshot(t *testing.T) {
	b := newTestBreaker(t, DefaultConfig().WithFailureThreshold(5))

	b.RecordFailure()
	b.RecordFailure()

	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	assert.Equal(t, 0, snap.ConsecutiveSuccesses)
	assert.False(t, snap.LastFailure.IsZero())
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{"zero failure threshold", DefaultConfig().WithFailureThreshold(0)},
		{"negative success threshold", DefaultConfig().WithSuccessThreshold(-1)},
		{"zero open timeout", DefaultConfig().WithOpenTimeout(0)},
		{"backoff below one", DefaultConfig().WithBackoffFactor(0.5)},
		{"cap below timeout", DefaultConfig().WithMaxOpenTimeout(time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("b", tt.config, nil)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestConfigForPreset(t *testing.T) {
	def, err := ConfigForPreset(PresetDefault)
	require.NoError(t, err)
	assert.Equal(t, 5, def.FailureThreshold)
	assert.Equal(t, 3, def.SuccessThreshold)
	assert.Equal(t, 30*time.Second, def.OpenTimeout)

	agg, err := ConfigForPreset(PresetAggressive)
	require.NoError(t, err)
	assert.Equal(t, 3, agg.FailureThreshold)
	assert.Equal(t, 2, agg.SuccessThreshold)
	assert.Equal(t, 10*time.Second, agg.OpenTimeout)

	cons, err := ConfigForPreset(PresetConservative)
	require.NoError(t, err)
	assert.Equal(t, 10, cons.FailureThreshold)
	assert.Equal(t, 5, cons.SuccessThreshold)
	assert.Equal(t, 60*time.Second, cons.OpenTimeout)

	_, err = ConfigForPreset("bogus")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
