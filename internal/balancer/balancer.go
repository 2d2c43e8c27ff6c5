// Package balancer selects an endpoint from a candidate set. Strategies
// are safe for concurrent use and keep any per-service state internally,
// so the active strategy can be swapped at runtime without coordination.
package balancer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/registry"
)

// ErrNoEndpoints is returned when the candidate set is empty.
var ErrNoEndpoints = errors.New("no endpoints available")

// ErrUnknownStrategy is returned by New for an unrecognized strategy name.
var ErrUnknownStrategy = errors.New("unknown load balancing strategy")

// Strategy picks one endpoint from the candidates for a service. The
// candidate slice is already filtered to routable endpoints and must not
// be mutated.
type Strategy interface {
	Name() string
	Pick(serviceID string, candidates []*registry.ServiceEndpoint) (*registry.ServiceEndpoint, error)
}

// ConnTracker is implemented by strategies that account for in-flight
// requests. Callers inform the strategy when a request starts and ends.
type ConnTracker interface {
	Acquire(endpointID string)
	Release(endpointID string)
}

// New returns the strategy registered under the given name. An empty
// name selects round robin.
func New(name string) (Strategy, error) {
	switch name {
	case "", config.LoadBalancerRoundRobin:
		return NewRoundRobin(), nil
	case config.LoadBalancerLeastConn:
		return NewLeastConnections(), nil
	case config.LoadBalancerWeightedRandom:
		return NewWeightedRandom(), nil
	case config.LoadBalancerRandom:
		return NewRandom(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
}

// RoundRobin cycles through candidates per service in arrival order.
type RoundRobin struct {
	counters sync.Map // serviceID -> *atomic.Uint64
}

// NewRoundRobin creates a round robin strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Name implements Strategy.
func (r *RoundRobin) Name() string { return config.LoadBalancerRoundRobin }

// Pick implements Strategy.
func (r *RoundRobin) Pick(serviceID string, candidates []*registry.ServiceEndpoint) (*registry.ServiceEndpoint, error) {
	if len(candidates) == 0 {
		return nil, ErrNoEndpoints
	}

	counter, _ := r.counters.LoadOrStore(serviceID, &atomic.Uint64{})
	n := counter.(*atomic.Uint64).Add(1) - 1
	return candidates[n%uint64(len(candidates))], nil
}

// Forget drops the rotation state for a service.
func (r *RoundRobin) Forget(serviceID string) {
	r.counters.Delete(serviceID)
}

// LeastConnections picks the candidate with the fewest in-flight
// requests, preferring earlier candidates on ties.
type LeastConnections struct {
	inflight sync.Map // endpointID -> *atomic.Int64
}

// NewLeastConnections creates a least connections strategy.
func NewLeastConnections() *LeastConnections {
	return &LeastConnections{}
}

// Name implements Strategy.
func (l *LeastConnections) Name() string { return config.LoadBalancerLeastConn }

// Pick implements Strategy.
func (l *LeastConnections) Pick(_ string, candidates []*registry.ServiceEndpoint) (*registry.ServiceEndpoint, error) {
	if len(candidates) == 0 {
		return nil, ErrNoEndpoints
	}

	best := candidates[0]
	bestCount := l.count(best.ID)
	for _, c := range candidates[1:] {
		if n := l.count(c.ID); n < bestCount {
			best = c
			bestCount = n
		}
	}
	return best, nil
}

// Acquire implements ConnTracker.
func (l *LeastConnections) Acquire(endpointID string) {
	counter, _ := l.inflight.LoadOrStore(endpointID, &atomic.Int64{})
	counter.(*atomic.Int64).Add(1)
}

// Release implements ConnTracker.
func (l *LeastConnections) Release(endpointID string) {
	if counter, ok := l.inflight.Load(endpointID); ok {
		counter.(*atomic.Int64).Add(-1)
	}
}

// Inflight returns the current in-flight count for an endpoint.
func (l *LeastConnections) Inflight(endpointID string) int64 {
	return l.count(endpointID)
}

// Forget drops the in-flight state for an endpoint.
func (l *LeastConnections) Forget(endpointID string) {
	l.inflight.Delete(endpointID)
}

func (l *LeastConnections) count(endpointID string) int64 {
	if counter, ok := l.inflight.Load(endpointID); ok {
		return counter.(*atomic.Int64).Load()
	}
	return 0
}

// WeightedRandom picks candidates with probability proportional to their
// weight. Candidates with weight zero are never picked unless every
// candidate has weight zero, in which case selection is uniform.
type WeightedRandom struct{}

// NewWeightedRandom creates a weighted random strategy.
func NewWeightedRandom() *WeightedRandom {
	return &WeightedRandom{}
}

// Name implements Strategy.
func (w *WeightedRandom) Name() string { return config.LoadBalancerWeightedRandom }

// Pick implements Strategy.
func (w *WeightedRandom) Pick(_ string, candidates []*registry.ServiceEndpoint) (*registry.ServiceEndpoint, error) {
	if len(candidates) == 0 {
		return nil, ErrNoEndpoints
	}

	total := 0
	for _, c := range candidates {
		if c.Weight > 0 {
			total += c.Weight
		}
	}
	if total == 0 {
		return candidates[secureRandomInt(len(candidates))], nil
	}

	n := secureRandomInt(total)
	for _, c := range candidates {
		if c.Weight <= 0 {
			continue
		}
		n -= c.Weight
		if n < 0 {
			return c, nil
		}
	}
	return candidates[len(candidates)-1], nil
}

// Random picks a candidate uniformly at random.
type Random struct{}

// NewRandom creates a random strategy.
func NewRandom() *Random {
	return &Random{}
}

// Name implements Strategy.
func (r *Random) Name() string { return config.LoadBalancerRandom }

// Pick implements Strategy.
func (r *Random) Pick(_ string, candidates []*registry.ServiceEndpoint) (*registry.ServiceEndpoint, error) {
	if len(candidates) == 0 {
		return nil, ErrNoEndpoints
	}
	return candidates[secureRandomInt(len(candidates))], nil
}
