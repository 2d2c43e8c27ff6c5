// Package circuitbreaker provides per-endpoint fault isolation for the
// mesh. A breaker halts traffic to an endpoint that keeps failing and
// probes it cautiously before letting traffic flow again.
package circuitbreaker

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned when breaker configuration fails validation.
var ErrInvalidConfig = errors.New("invalid circuit breaker configuration")

// Preset names for breaker configuration.
const (
	PresetDefault      = "default"
	PresetAggressive   = "aggressive"
	PresetConservative = "conservative"
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes in half-open
	// state needed to close the circuit.
	SuccessThreshold int

	// OpenTimeout is how long the circuit stays open before admitting a
	// probe.
	OpenTimeout time.Duration

	// BackoffFactor grows the open timeout each time a half-open probe
	// fails. Zero selects the default of 2.
	BackoffFactor float64

	// MaxOpenTimeout caps the grown open timeout. Zero selects the default
	// of 5 minutes.
	MaxOpenTimeout time.Duration

	// HalfOpenMax is the number of concurrent probes admitted in half-open
	// state. Zero selects the default of 1.
	HalfOpenMax int

	// IsSuccessful decides whether an error counts as a success. If nil,
	// any non-nil error is a failure.
	IsSuccessful func(err error) bool

	// OnStateChange is called after every state transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the default preset.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		OpenTimeout:      30 * time.Second,
	}
}

// AggressiveConfig returns a preset that trips fast and recovers fast,
// for endpoints where failing over is cheap.
func AggressiveConfig() *Config {
	return &Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      10 * time.Second,
	}
}

// ConservativeConfig returns a preset that tolerates more failures and
// backs off longer, for endpoints with no good fallback.
func ConservativeConfig() *Config {
	return &Config{
		FailureThreshold: 10,
		SuccessThreshold: 5,
		OpenTimeout:      60 * time.Second,
	}
}

// ConfigForPreset returns the named preset configuration.
func ConfigForPreset(name string) (*Config, error) {
	switch name {
	case PresetDefault, "":
		return DefaultConfig(), nil
	case PresetAggressive:
		return AggressiveConfig(), nil
	case PresetConservative:
		return ConservativeConfig(), nil
	default:
		return nil, fmt.Errorf("%w: unknown preset %q", ErrInvalidConfig, name)
	}
}

// Validate checks the configuration and fills optional fields with their
// defaults. Thresholds and the open timeout must be positive.
func (c *Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("%w: failure threshold must be positive, got %d", ErrInvalidConfig, c.FailureThreshold)
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("%w: success threshold must be positive, got %d", ErrInvalidConfig, c.SuccessThreshold)
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("%w: open timeout must be positive, got %s", ErrInvalidConfig, c.OpenTimeout)
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = 2
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("%w: backoff factor must be at least 1, got %v", ErrInvalidConfig, c.BackoffFactor)
	}
	if c.MaxOpenTimeout == 0 {
		c.MaxOpenTimeout = 5 * time.Minute
	}
	if c.MaxOpenTimeout < c.OpenTimeout {
		return fmt.Errorf("%w: max open timeout %s is below open timeout %s",
			ErrInvalidConfig, c.MaxOpenTimeout, c.OpenTimeout)
	}
	if c.HalfOpenMax == 0 {
		c.HalfOpenMax = 1
	}
	if c.HalfOpenMax < 0 {
		return fmt.Errorf("%w: half-open max must be positive, got %d", ErrInvalidConfig, c.HalfOpenMax)
	}
	return nil
}

// WithFailureThreshold sets the failure threshold.
func (c *Config) WithFailureThreshold(n int) *Config {
	c.FailureThreshold = n
	return c
}

// WithSuccessThreshold sets the success threshold.
func (c *Config) WithSuccessThreshold(n int) *Config {
	c.SuccessThreshold = n
	return c
}

// WithOpenTimeout sets the open timeout.
func (c *Config) WithOpenTimeout(d time.Duration) *Config {
	c.OpenTimeout = d
	return c
}

// WithBackoffFactor sets the open timeout growth factor.
func (c *Config) WithBackoffFactor(f float64) *Config {
	c.BackoffFactor = f
	return c
}

// WithMaxOpenTimeout sets the open timeout cap.
func (c *Config) WithMaxOpenTimeout(d time.Duration) *Config {
	c.MaxOpenTimeout = d
	return c
}

// WithHalfOpenMax sets the concurrent probe budget.
func (c *Config) WithHalfOpenMax(n int) *Config {
	c.HalfOpenMax = n
	return c
}

// WithIsSuccessful sets the success check function.
func (c *Config) WithIsSuccessful(fn func(err error) bool) *Config {
	c.IsSuccessful = fn
	return c
}

// WithOnStateChange sets the state change callback.
func (c *Config) WithOnStateChange(fn func(name string, from, to State)) *Config {
	c.OnStateChange = fn
	return c
}

// clone returns a copy so shared preset configs are never mutated.
func (c *Config) clone() *Config {
	cp := *c
	return &cp
}
