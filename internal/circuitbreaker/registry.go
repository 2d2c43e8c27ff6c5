package circuitbreaker

import (
	"strings"
	"sync"

	"github.com/vyrodovalexey/avamesh/internal/observability"
)

// Registry manages per-endpoint circuit breakers, created lazily on
// first access. Breaker names follow "serviceID/endpointID" so a
// service's breakers can be purged together on unregistration.
type Registry struct {
	breakers sync.Map
	config   *Config
	logger   observability.Logger
}

// NewRegistry creates a breaker registry. The config is validated once
// here so lazy breaker creation cannot fail later.
func NewRegistry(config *Config, logger observability.Logger) (*Registry, error) {
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

	return &Registry{
		config: config,
		logger: logger,
	}, nil
}

// Name builds the registry key for an endpoint's breaker.
func Name(serviceID, endpointID string) string {
	return serviceID + "/" + endpointID
}

// Get returns a breaker by name, or nil if not found.
func (r *Registry) Get(name string) *Breaker {
	value, ok := r.breakers.Load(name)
	if !ok {
		return nil
	}
	return value.(*Breaker)
}

// GetOrCreate returns the breaker for name, creating it on first access.
// Concurrent first accesses resolve to a single instance.
func (r *Registry) GetOrCreate(name string) *Breaker {
	if value, ok := r.breakers.Load(name); ok {
		return value.(*Breaker)
	}

	// The registry config is pre-validated, so New cannot fail here.
	b, _ := New(name, r.config, r.logger)

	actual, loaded := r.breakers.LoadOrStore(name, b)
	if loaded {
		return actual.(*Breaker)
	}

	r.logger.Debug("created circuit breaker", observability.String("name", name))

	return b
}

// Remove deletes a breaker and its metric series.
func (r *Registry) Remove(name string) {
	if _, loaded := r.breakers.LoadAndDelete(name); loaded {
		forgetMetrics(name)
		r.logger.Debug("removed circuit breaker", observability.String("name", name))
	}
}

// RemoveService deletes every breaker belonging to a service.
func (r *Registry) RemoveService(serviceID string) {
	prefix := serviceID + "/"
	r.breakers.Range(func(key, value interface{}) bool {
		name := key.(string)
		if strings.HasPrefix(name, prefix) {
			r.Remove(name)
		}
		return true
	})
}

// List returns all breakers in the registry.
func (r *Registry) List() []*Breaker {
	var breakers []*Breaker
	r.breakers.Range(func(key, value interface{}) bool {
		breakers = append(breakers, value.(*Breaker))
		return true
	})
	return breakers
}

// Snapshots returns point-in-time state for every breaker.
func (r *Registry) Snapshots() map[string]Snapshot {
	snapshots := make(map[string]Snapshot)
	r.breakers.Range(func(key, value interface{}) bool {
		snapshots[key.(string)] = value.(*Breaker).Snapshot()
		return true
	})
	return snapshots
}

// Count returns the number of breakers.
func (r *Registry) Count() int {
	count := 0
	r.breakers.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

// OpenCount returns the number of breakers currently open.
func (r *Registry) OpenCount() int {
	count := 0
	r.breakers.Range(func(key, value interface{}) bool {
		if value.(*Breaker).State() == StateOpen {
			count++
		}
		return true
	})
	return count
}

// ResetAll forces every breaker back to closed.
func (r *Registry) ResetAll() {
	r.breakers.Range(func(key, value interface{}) bool {
		value.(*Breaker).Reset()
		return true
	})
	r.logger.Info("reset all circuit breakers")
}

// Clear removes all breakers.
func (r *Registry) Clear() {
	r.breakers.Range(func(key, value interface{}) bool {
		r.Remove(key.(string))
		return true
	})
}
