package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/ratelimit/store"
)

// DefaultResource is the rule applied to resources with no rule of their
// own. When absent, unmatched resources are not limited.
const DefaultResource = "default"

// ErrInvalidRule is returned when a rate limit rule fails validation.
var ErrInvalidRule = errors.New("invalid rate limit rule")

// Rule binds a resource to an algorithm and its parameters.
type Rule struct {
	// Resource identifies what is being limited, typically a service name.
	Resource string

	// Algorithm selects token bucket or sliding window.
	Algorithm Algorithm

	// Requests is the sliding window limit.
	Requests int

	// Window is the sliding window size.
	Window time.Duration

	// Capacity is the token bucket size.
	Capacity int

	// RefillPerSec is the token bucket refill rate.
	RefillPerSec float64
}

// Validate checks the rule parameters for its algorithm.
func (r Rule) Validate() error {
	if r.Resource == "" {
		return fmt.Errorf("%w: resource is required", ErrInvalidRule)
	}

	switch r.Algorithm {
	case AlgorithmTokenBucket:
		if r.Capacity <= 0 {
			return fmt.Errorf("%w: %s: capacity must be positive", ErrInvalidRule, r.Resource)
		}
		if r.RefillPerSec <= 0 {
			return fmt.Errorf("%w: %s: refill rate must be positive", ErrInvalidRule, r.Resource)
		}
	case AlgorithmSlidingWindow:
		if r.Requests <= 0 {
			return fmt.Errorf("%w: %s: requests must be positive", ErrInvalidRule, r.Resource)
		}
		if r.Window <= 0 {
			return fmt.Errorf("%w: %s: window must be positive", ErrInvalidRule, r.Resource)
		}
	default:
		return fmt.Errorf("%w: %s: unknown algorithm %q", ErrInvalidRule, r.Resource, r.Algorithm)
	}

	return nil
}

// Engine routes rate limit checks to per-resource limiters. Each resource
// gets one limiter instance, keyed internally by client, so independent
// clients never contend on each other's state.
type Engine struct {
	rulesMu  sync.RWMutex
	rules    map[string]Rule
	limiters sync.Map // resource -> Limiter
	store    store.Store
	logger   observability.Logger
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithStore backs all limiters with a shared counter store.
func WithStore(s store.Store) EngineOption {
	return func(e *Engine) {
		e.store = s
	}
}

// WithEngineLogger sets the logger used for rejection records.
func WithEngineLogger(logger observability.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine validates the rules and builds an engine. Duplicate resources
// and invalid parameters fail eagerly.
func NewEngine(rules []Rule, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		rules:  make(map[string]Rule, len(rules)),
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(e)
	}

	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		if _, exists := e.rules[rule.Resource]; exists {
			return nil, fmt.Errorf("%w: duplicate resource %q", ErrInvalidRule, rule.Resource)
		}
		e.rules[rule.Resource] = rule
	}

	return e, nil
}

// Allow checks whether a single request by clientKey against resource is
// admitted.
func (e *Engine) Allow(ctx context.Context, clientKey, resource string) (*Result, error) {
	return e.AllowN(ctx, clientKey, resource, 1)
}

// AllowN checks whether a request of cost n is admitted. Resources with
// no matching rule fall back to the "default" rule; with no default rule
// either, the request is admitted.
func (e *Engine) AllowN(ctx context.Context, clientKey, resource string, n int) (*Result, error) {
	rule, ok := e.ruleFor(resource)
	if !ok {
		return &Result{Allowed: true}, nil
	}

	start := time.Now()
	// State is keyed per (client, resource) so resources sharing the
	// default rule's limiter instance keep separate budgets.
	res, err := e.limiterFor(rule).AllowN(ctx, ClientKey(clientKey, resource), n)
	if err != nil {
		return nil, err
	}

	m := metrics()
	m.checkDuration.WithLabelValues(rule.Resource).Observe(time.Since(start).Seconds())

	if res.Allowed {
		m.decisionsTotal.WithLabelValues(rule.Resource, string(rule.Algorithm), "allowed").Inc()
	} else {
		m.decisionsTotal.WithLabelValues(rule.Resource, string(rule.Algorithm), "rejected").Inc()
		e.logger.Warn("rate limit exceeded",
			observability.String("client", clientKey),
			observability.String("resource", resource),
			observability.String("algorithm", string(rule.Algorithm)),
			observability.Int("cost", n),
			observability.Duration("retry_after", res.RetryAfter),
		)
	}

	return res, nil
}

// Reset clears the state for one client on one resource.
func (e *Engine) Reset(ctx context.Context, clientKey, resource string) error {
	rule, ok := e.ruleFor(resource)
	if !ok {
		return nil
	}

	value, loaded := e.limiters.Load(rule.Resource)
	if !loaded {
		return nil
	}

	return value.(Limiter).Reset(ctx, ClientKey(clientKey, resource))
}

// PurgeResource drops the limiter instance for a resource, releasing all
// of its per-client state. Used when a service is unregistered.
func (e *Engine) PurgeResource(resource string) {
	value, loaded := e.limiters.LoadAndDelete(resource)
	if !loaded {
		return
	}

	if closer, ok := value.(io.Closer); ok {
		_ = closer.Close()
	}
}

// Rules returns the configured rules.
func (e *Engine) Rules() []Rule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()

	rules := make([]Rule, 0, len(e.rules))
	for _, rule := range e.rules {
		rules = append(rules, rule)
	}
	return rules
}

// ReplaceRules swaps the rule set at runtime. Limiters for resources
// whose rule changed or disappeared are dropped so the new parameters
// take effect; unchanged resources keep their accumulated state. The
// whole set is validated before anything is applied.
func (e *Engine) ReplaceRules(rules []Rule) error {
	next := make(map[string]Rule, len(rules))
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return err
		}
		if _, exists := next[rule.Resource]; exists {
			return fmt.Errorf("%w: duplicate resource %q", ErrInvalidRule, rule.Resource)
		}
		next[rule.Resource] = rule
	}

	e.rulesMu.Lock()
	var stale []string
	for resource, old := range e.rules {
		if updated, ok := next[resource]; !ok || updated != old {
			stale = append(stale, resource)
		}
	}
	e.rules = next
	e.rulesMu.Unlock()

	for _, resource := range stale {
		e.PurgeResource(resource)
	}

	e.logger.Info("rate limit rules replaced",
		observability.Int("rules", len(next)),
		observability.Int("reset_resources", len(stale)),
	)
	return nil
}

// Close releases all limiter instances. The counter store, if any, is
// owned by the caller and left open.
func (e *Engine) Close() error {
	e.limiters.Range(func(key, value interface{}) bool {
		if closer, ok := value.(io.Closer); ok {
			_ = closer.Close()
		}
		e.limiters.Delete(key)
		return true
	})
	return nil
}

func (e *Engine) ruleFor(resource string) (Rule, bool) {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()

	if rule, ok := e.rules[resource]; ok {
		return rule, true
	}
	rule, ok := e.rules[DefaultResource]
	return rule, ok
}

func (e *Engine) limiterFor(rule Rule) Limiter {
	if value, ok := e.limiters.Load(rule.Resource); ok {
		return value.(Limiter)
	}

	lim := e.newLimiter(rule)
	value, loaded := e.limiters.LoadOrStore(rule.Resource, lim)
	if loaded {
		// Lost the creation race; release ours.
		if closer, ok := lim.(io.Closer); ok {
			_ = closer.Close()
		}
	}
	return value.(Limiter)
}

func (e *Engine) newLimiter(rule Rule) Limiter {
	switch rule.Algorithm {
	case AlgorithmSlidingWindow:
		return NewSlidingWindowLimiter(e.store, rule.Requests, rule.Window, e.logger)
	default:
		return NewTokenBucketLimiter(e.store, rule.RefillPerSec, rule.Capacity, e.logger)
	}
}
