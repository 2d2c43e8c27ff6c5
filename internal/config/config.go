// Package config provides configuration management for the mesh control
// layer. Configuration is loaded from YAML files with environment variable
// substitution and validated eagerly before any component is constructed.
package config

import "time"

// Load balancing strategy names.
const (
	LoadBalancerRoundRobin     = "round_robin"
	LoadBalancerLeastConn      = "least_connections"
	LoadBalancerWeightedRandom = "weighted_random"
	LoadBalancerRandom         = "random"
)

// Circuit breaker preset names.
const (
	BreakerPresetDefault      = "default"
	BreakerPresetAggressive   = "aggressive"
	BreakerPresetConservative = "conservative"
)

// Rate limiting algorithm names.
const (
	RateLimitTokenBucket   = "token_bucket"
	RateLimitSlidingWindow = "sliding_window"
)

// MeshConfig holds all configuration for a mesh manager instance.
type MeshConfig struct {
	// Node is the logical name of this mesh instance.
	Node string `json:"node" yaml:"node"`

	Admin          AdminConfig          `json:"admin" yaml:"admin"`
	Logging        LoggingConfig        `json:"logging" yaml:"logging"`
	Discovery      DiscoveryConfig      `json:"discovery" yaml:"discovery"`
	HealthCheck    HealthCheckConfig    `json:"healthCheck" yaml:"healthCheck"`
	CircuitBreaker CircuitBreakerConfig `json:"circuitBreaker" yaml:"circuitBreaker"`
	RateLimit      RateLimitConfig      `json:"rateLimit" yaml:"rateLimit"`
	LoadBalancing  LoadBalancingConfig  `json:"loadBalancing" yaml:"loadBalancing"`
	Pool           PoolConfig           `json:"pool" yaml:"pool"`
	Metrics        MetricsConfig        `json:"metrics" yaml:"metrics"`
}

// AdminConfig holds settings for the admin/status API server.
type AdminConfig struct {
	Addr            string   `json:"addr" yaml:"addr"`
	MetricsAddr     string   `json:"metricsAddr" yaml:"metricsAddr"`
	MetricsPath     string   `json:"metricsPath" yaml:"metricsPath"`
	ShutdownTimeout Duration `json:"shutdownTimeout" yaml:"shutdownTimeout"`

	// ClientRatePerSec throttles admin API callers per client IP.
	ClientRatePerSec float64 `json:"clientRatePerSec" yaml:"clientRatePerSec"`
	ClientBurst      int     `json:"clientBurst" yaml:"clientBurst"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	Output string `json:"output" yaml:"output"`
}

// DiscoveryConfig holds registry lookup settings.
type DiscoveryConfig struct {
	// CacheTTL bounds how long a registry lookup may be served from cache.
	CacheTTL Duration `json:"cacheTTL" yaml:"cacheTTL"`

	// SweepInterval is how often expired cache entries are collected.
	SweepInterval Duration `json:"sweepInterval" yaml:"sweepInterval"`

	// MaxCacheEntries bounds the lookup cache size.
	MaxCacheEntries int `json:"maxCacheEntries" yaml:"maxCacheEntries"`
}

// HealthCheckConfig holds per-endpoint health probing defaults.
type HealthCheckConfig struct {
	Interval           Duration `json:"interval" yaml:"interval"`
	Timeout            Duration `json:"timeout" yaml:"timeout"`
	HealthyThreshold   int      `json:"healthyThreshold" yaml:"healthyThreshold"`
	UnhealthyThreshold int      `json:"unhealthyThreshold" yaml:"unhealthyThreshold"`
	Path               string   `json:"path" yaml:"path"`
	UseGRPC            bool     `json:"useGRPC" yaml:"useGRPC"`
	GRPCService        string   `json:"grpcService" yaml:"grpcService"`
}

// CircuitBreakerConfig holds breaker defaults applied to every endpoint.
type CircuitBreakerConfig struct {
	// Preset selects a named threshold profile. Explicit fields below
	// override the preset values when non-zero.
	Preset           string   `json:"preset" yaml:"preset"`
	FailureThreshold int      `json:"failureThreshold" yaml:"failureThreshold"`
	SuccessThreshold int      `json:"successThreshold" yaml:"successThreshold"`
	HalfOpenMax      int      `json:"halfOpenMax" yaml:"halfOpenMax"`
	OpenTimeout      Duration `json:"openTimeout" yaml:"openTimeout"`
	MaxOpenTimeout   Duration `json:"maxOpenTimeout" yaml:"maxOpenTimeout"`
	BackoffFactor    float64  `json:"backoffFactor" yaml:"backoffFactor"`
}

// RateLimitRule binds a resource to a rate limiting algorithm and its
// parameters. The resource "default" applies to any resource without an
// explicit rule.
type RateLimitRule struct {
	Resource  string   `json:"resource" yaml:"resource"`
	Algorithm string   `json:"algorithm" yaml:"algorithm"`
	Requests  int      `json:"requests" yaml:"requests"`
	Window    Duration `json:"window" yaml:"window"`
	Capacity  int      `json:"capacity" yaml:"capacity"`
	RefillPerSec float64 `json:"refillPerSec" yaml:"refillPerSec"`
}

// RateLimitStoreConfig selects the backing store for limiter counters.
type RateLimitStoreConfig struct {
	Type          string `json:"type" yaml:"type"`
	RedisAddress  string `json:"redisAddress" yaml:"redisAddress"`
	RedisPassword string `json:"redisPassword" yaml:"redisPassword"`
	RedisDB       int    `json:"redisDB" yaml:"redisDB"`
	Prefix        string `json:"prefix" yaml:"prefix"`
}

// RateLimitConfig holds traffic shaping settings.
type RateLimitConfig struct {
	Enabled bool                 `json:"enabled" yaml:"enabled"`
	Rules   []RateLimitRule      `json:"rules" yaml:"rules"`
	Store   RateLimitStoreConfig `json:"store" yaml:"store"`
}

// LoadBalancingConfig selects the active endpoint selection strategy.
type LoadBalancingConfig struct {
	Strategy string `json:"strategy" yaml:"strategy"`
}

// PoolConfig holds per-endpoint connection pool settings.
type PoolConfig struct {
	MaxActive      int      `json:"maxActive" yaml:"maxActive"`
	MaxIdle        int      `json:"maxIdle" yaml:"maxIdle"`
	IdleTimeout    Duration `json:"idleTimeout" yaml:"idleTimeout"`
	AcquireTimeout Duration `json:"acquireTimeout" yaml:"acquireTimeout"`
}

// MetricsConfig holds metrics collection settings.
type MetricsConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	FlushInterval Duration `json:"flushInterval" yaml:"flushInterval"`
}

// DefaultConfig returns a MeshConfig with default values.
func DefaultConfig() *MeshConfig {
	return &MeshConfig{
		Node: "avamesh",
		Admin: AdminConfig{
			Addr:             ":8080",
			MetricsAddr:      ":9090",
			MetricsPath:      "/metrics",
			ShutdownTimeout:  Duration(10 * time.Second),
			ClientRatePerSec: 50,
			ClientBurst:      100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Discovery: DiscoveryConfig{
			CacheTTL:        Duration(5 * time.Second),
			SweepInterval:   Duration(time.Minute),
			MaxCacheEntries: 10000,
		},
		HealthCheck: HealthCheckConfig{
			Interval:           Duration(10 * time.Second),
			Timeout:            Duration(5 * time.Second),
			HealthyThreshold:   2,
			UnhealthyThreshold: 3,
			Path:               "/healthz",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Preset: BreakerPresetDefault,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Store:   RateLimitStoreConfig{Type: "memory", Prefix: "ratelimit:"},
		},
		LoadBalancing: LoadBalancingConfig{
			Strategy: LoadBalancerRoundRobin,
		},
		Pool: PoolConfig{
			MaxActive:      64,
			MaxIdle:        8,
			IdleTimeout:    Duration(90 * time.Second),
			AcquireTimeout: Duration(3 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			FlushInterval: Duration(15 * time.Second),
		},
	}
}
