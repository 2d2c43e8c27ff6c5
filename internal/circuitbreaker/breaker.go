package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vyrodovalexey/avamesh/internal/observability"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and requests flow.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests fail fast.
	StateOpen

	// StateHalfOpen indicates the circuit is probing the endpoint.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when the half-open probe budget is spent.
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Breaker is a circuit breaker for a single endpoint. Transitions follow
// Closed -> Open -> HalfOpen -> {Closed, Open}, never skipping HalfOpen.
// All methods are safe for concurrent use.
type Breaker struct {
	name   string
	config *Config
	logger observability.Logger

	mu    sync.RWMutex
	state State

	consecutiveFailures  int
	consecutiveSuccesses int

	// Probe requests currently admitted in half-open state.
	halfOpenInFlight int

	// openTimeout is the current open duration; it grows by BackoffFactor
	// every time a half-open probe fails, capped at MaxOpenTimeout.
	openTimeout time.Duration
	openedUntil time.Time

	lastFailure    time.Time
	lastTransition time.Time
}

// New creates a circuit breaker. Construction fails if the configuration
// is invalid.
func New(name string, config *Config, logger observability.Logger) (*Breaker, error) {
	if config == nil {
		config = DefaultConfig()
	} else {
		config = config.clone()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Breaker{
		name:           name,
		config:         config,
		logger:         logger,
		state:          StateClosed,
		openTimeout:    config.OpenTimeout,
		lastTransition: time.Now(),
	}, nil
}

// Execute runs fn with circuit breaker protection.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}

	err := fn()

	if b.isSuccessful(err) {
		b.RecordSuccess()
	} else {
		b.RecordFailure()
	}

	return err
}

// ExecuteWithFallback runs fn, calling fallback when the circuit rejects.
func (b *Breaker) ExecuteWithFallback(ctx context.Context, fn func() error, fallback func(error) error) error {
	err := b.Execute(ctx, fn)
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests) {
		return fallback(err)
	}
	return err
}

// Allow reports whether a request may pass. In the open state the first
// call at or after openedUntil flips the circuit to half-open and is
// admitted as a probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	var allowed bool

	switch b.state {
	case StateClosed:
		allowed = true

	case StateOpen:
		if !time.Now().Before(b.openedUntil) {
			b.transitionTo(StateHalfOpen)
			b.halfOpenInFlight = 1
			allowed = true
		}

	case StateHalfOpen:
		if b.halfOpenInFlight < b.config.HalfOpenMax {
			b.halfOpenInFlight++
			allowed = true
		}
	}

	recordRequest(b.name, allowed)

	return allowed
}

// RecordSuccess records a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveSuccesses++
	b.consecutiveFailures = 0

	recordSuccess(b.name)

	if b.state == StateHalfOpen {
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.openTimeout = b.config.OpenTimeout
			b.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a failed call outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.consecutiveSuccesses = 0
	b.lastFailure = time.Now()

	recordFailure(b.name)

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.open()
		}

	case StateHalfOpen:
		// A failed probe re-opens with a grown timeout.
		b.openTimeout = time.Duration(float64(b.openTimeout) * b.config.BackoffFactor)
		if b.openTimeout > b.config.MaxOpenTimeout {
			b.openTimeout = b.config.MaxOpenTimeout
		}
		b.open()
	}
}

// open transitions to the open state using the current timeout.
func (b *Breaker) open() {
	b.openedUntil = time.Now().Add(b.openTimeout)
	b.transitionTo(StateOpen)
}

// transitionTo switches state; the caller holds the lock.
func (b *Breaker) transitionTo(newState State) {
	oldState := b.state
	b.state = newState
	b.lastTransition = time.Now()
	b.halfOpenInFlight = 0
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0

	recordStateChange(b.name, oldState, newState)

	b.logger.Info("circuit breaker state changed",
		observability.String("name", b.name),
		observability.String("from", oldState.String()),
		observability.String("to", newState.String()),
		observability.Duration("open_timeout", b.openTimeout),
	)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.name, oldState, newState)
	}
}

func (b *Breaker) isSuccessful(err error) bool {
	if b.config.IsSuccessful != nil {
		return b.config.IsSuccessful(err)
	}
	return err == nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// Reset forces the breaker back to closed with fresh counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = 0
	b.openTimeout = b.config.OpenTimeout
	b.openedUntil = time.Time{}
	b.lastTransition = time.Now()

	b.logger.Info("circuit breaker reset", observability.String("name", b.name))
}

// Snapshot is a point-in-time view of breaker state.
type Snapshot struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransition       time.Time
	LastFailure          time.Time
	OpenedUntil          time.Time
	OpenTimeout          time.Duration
}

// Snapshot returns the current breaker state and counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Snapshot{
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastTransition:       b.lastTransition,
		LastFailure:          b.lastFailure,
		OpenedUntil:          b.openedUntil,
		OpenTimeout:          b.openTimeout,
	}
}
