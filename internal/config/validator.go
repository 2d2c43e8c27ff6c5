package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// validator accumulates validation errors across config sections.
type validator struct {
	errors ValidationErrors
}

func (v *validator) addError(path, format string, args ...interface{}) {
	v.errors = append(v.errors, ValidationError{
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	})
}

// Validate checks a MeshConfig and returns all violations at once.
// Validation runs eagerly at load time so a bad configuration is never
// partially applied.
func Validate(cfg *MeshConfig) error {
	v := &validator{errors: make(ValidationErrors, 0)}

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateDiscovery(&cfg.Discovery)
	v.validateHealthCheck(&cfg.HealthCheck)
	v.validateCircuitBreaker(&cfg.CircuitBreaker)
	v.validateRateLimit(&cfg.RateLimit)
	v.validateLoadBalancing(&cfg.LoadBalancing)
	v.validatePool(&cfg.Pool)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *validator) validateDiscovery(cfg *DiscoveryConfig) {
	if cfg.CacheTTL < 0 {
		v.addError("discovery.cacheTTL", "must not be negative")
	}
	if cfg.MaxCacheEntries < 0 {
		v.addError("discovery.maxCacheEntries", "must not be negative")
	}
}

func (v *validator) validateHealthCheck(cfg *HealthCheckConfig) {
	if cfg.Interval.Duration() <= 0 {
		v.addError("healthCheck.interval", "must be positive")
	}
	if cfg.Timeout.Duration() <= 0 {
		v.addError("healthCheck.timeout", "must be positive")
	}
	if cfg.HealthyThreshold <= 0 {
		v.addError("healthCheck.healthyThreshold", "must be positive")
	}
	if cfg.UnhealthyThreshold <= 0 {
		v.addError("healthCheck.unhealthyThreshold", "must be positive")
	}
	if !cfg.UseGRPC && cfg.Path == "" {
		v.addError("healthCheck.path", "required for HTTP probes")
	}
}

func (v *validator) validateCircuitBreaker(cfg *CircuitBreakerConfig) {
	switch cfg.Preset {
	case "", BreakerPresetDefault, BreakerPresetAggressive, BreakerPresetConservative:
	default:
		v.addError("circuitBreaker.preset", "unknown preset %q", cfg.Preset)
	}
	if cfg.FailureThreshold < 0 {
		v.addError("circuitBreaker.failureThreshold", "must not be negative")
	}
	if cfg.SuccessThreshold < 0 {
		v.addError("circuitBreaker.successThreshold", "must not be negative")
	}
	if cfg.BackoffFactor < 0 || (cfg.BackoffFactor > 0 && cfg.BackoffFactor < 1) {
		v.addError("circuitBreaker.backoffFactor", "must be at least 1")
	}
}

func (v *validator) validateRateLimit(cfg *RateLimitConfig) {
	seen := make(map[string]bool, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		path := fmt.Sprintf("rateLimit.rules[%d]", i)

		if rule.Resource == "" {
			v.addError(path+".resource", "must not be empty")
		}
		if seen[rule.Resource] {
			v.addError(path+".resource", "duplicate rule for resource %q", rule.Resource)
		}
		seen[rule.Resource] = true

		switch rule.Algorithm {
		case RateLimitTokenBucket:
			if rule.Capacity <= 0 {
				v.addError(path+".capacity", "must be positive")
			}
			if rule.RefillPerSec <= 0 {
				v.addError(path+".refillPerSec", "must be positive")
			}
		case RateLimitSlidingWindow:
			if rule.Requests <= 0 {
				v.addError(path+".requests", "must be positive")
			}
			if rule.Window.Duration() <= 0 {
				v.addError(path+".window", "must be positive")
			}
		default:
			v.addError(path+".algorithm", "unknown algorithm %q", rule.Algorithm)
		}
	}

	switch cfg.Store.Type {
	case "", "memory":
	case "redis":
		if cfg.Store.RedisAddress == "" {
			v.addError("rateLimit.store.redisAddress", "required for redis store")
		}
	default:
		v.addError("rateLimit.store.type", "unknown store type %q", cfg.Store.Type)
	}
}

func (v *validator) validateLoadBalancing(cfg *LoadBalancingConfig) {
	switch cfg.Strategy {
	case "", LoadBalancerRoundRobin, LoadBalancerLeastConn,
		LoadBalancerWeightedRandom, LoadBalancerRandom:
	default:
		v.addError("loadBalancing.strategy", "unknown strategy %q", cfg.Strategy)
	}
}

func (v *validator) validatePool(cfg *PoolConfig) {
	if cfg.MaxActive <= 0 {
		v.addError("pool.maxActive", "must be positive")
	}
	if cfg.MaxIdle < 0 {
		v.addError("pool.maxIdle", "must not be negative")
	}
	if cfg.MaxIdle > cfg.MaxActive {
		v.addError("pool.maxIdle", "must not exceed maxActive")
	}
	if cfg.AcquireTimeout.Duration() <= 0 {
		v.addError("pool.acquireTimeout", "must be positive")
	}
}
