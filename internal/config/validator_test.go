package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_DefaultConfig(t *testing.T) {
	assert.NoError(t, Validate(DefaultConfig()))
}

func TestValidate_NilConfig(t *testing.T) {
	assert.Error(t, Validate(nil))
}

func TestValidate_UnknownStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoadBalancing.Strategy = "fastest"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loadBalancing.strategy")
}

func TestValidate_UnknownBreakerPreset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CircuitBreaker.Preset = "reckless"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuitBreaker.preset")
}

func TestValidate_BackoffFactorBelowOne(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CircuitBreaker.BackoffFactor = 0.5

	assert.Error(t, Validate(cfg))
}

func TestValidate_TokenBucketRule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.Rules = []RateLimitRule{
		{Resource: "orders", Algorithm: RateLimitTokenBucket, Capacity: 0, RefillPerSec: 1},
	}

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capacity")
}

func TestValidate_SlidingWindowRule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.Rules = []RateLimitRule{
		{Resource: "search", Algorithm: RateLimitSlidingWindow, Requests: 10},
	}

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window")
}

func TestValidate_DuplicateRule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.Rules = []RateLimitRule{
		{Resource: "orders", Algorithm: RateLimitTokenBucket, Capacity: 5, RefillPerSec: 1},
		{Resource: "orders", Algorithm: RateLimitTokenBucket, Capacity: 5, RefillPerSec: 1},
	}

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidate_RedisStoreRequiresAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.Store.Type = "redis"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redisAddress")
}

func TestValidate_PoolBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.MaxIdle = cfg.Pool.MaxActive + 1

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxIdle")
}

func TestValidate_CollectsMultipleErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoadBalancing.Strategy = "fastest"
	cfg.HealthCheck.Interval = 0
	cfg.Pool.MaxActive = 0

	err := Validate(cfg)
	require.Error(t, err)

	verrs, ok := err.(ValidationErrors)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(verrs), 3)
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	out, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", out)
}
