package pool

import (
	"context"
	"io"
	"sync"

	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/registry"
)

// Manager owns one pool per endpoint, created lazily on first acquire.
type Manager struct {
	dial   DialFunc
	config Config
	logger observability.Logger

	mu     sync.Mutex
	pools  map[string]*Pool
	closed bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger used by the manager and its pools.
func WithManagerLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a pool manager. All pools share the same bounds and
// dial function.
func NewManager(dial DialFunc, config Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		dial:   dial,
		config: config.withDefaults(),
		logger: observability.NopLogger(),
		pools:  make(map[string]*Pool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire returns a connection from the endpoint's pool.
func (m *Manager) Acquire(ctx context.Context, endpoint *registry.ServiceEndpoint) (io.Closer, error) {
	p, err := m.poolFor(endpoint)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// Release returns a connection to the endpoint's pool.
func (m *Manager) Release(endpoint *registry.ServiceEndpoint, conn io.Closer) {
	if p := m.lookup(endpoint.ID); p != nil {
		p.Release(conn)
		return
	}
	_ = conn.Close()
}

// Discard closes a broken connection from the endpoint's pool.
func (m *Manager) Discard(endpoint *registry.ServiceEndpoint, conn io.Closer) {
	if p := m.lookup(endpoint.ID); p != nil {
		p.Discard(conn)
		return
	}
	_ = conn.Close()
}

// Remove closes and forgets the pool for an endpoint.
func (m *Manager) Remove(endpointID string) {
	m.mu.Lock()
	p, ok := m.pools[endpointID]
	if ok {
		delete(m.pools, endpointID)
	}
	m.mu.Unlock()

	if ok {
		p.Close()
	}
}

// RemoveService closes and forgets all pools belonging to a service.
func (m *Manager) RemoveService(serviceID string) {
	m.mu.Lock()
	var removed []*Pool
	for id, p := range m.pools {
		if p.endpoint.ServiceID == serviceID {
			removed = append(removed, p)
			delete(m.pools, id)
		}
	}
	m.mu.Unlock()

	for _, p := range removed {
		p.Close()
	}
}

// Stats returns occupancy per endpoint ID.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	pools := make(map[string]*Pool, len(m.pools))
	for id, p := range m.pools {
		pools[id] = p
	}
	m.mu.Unlock()

	out := make(map[string]Stats, len(pools))
	for id, p := range pools {
		out[id] = p.Stats()
	}
	return out
}

// Close closes every pool. The manager cannot be reused afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}

func (m *Manager) poolFor(endpoint *registry.ServiceEndpoint) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrPoolClosed
	}
	if p, ok := m.pools[endpoint.ID]; ok {
		return p, nil
	}
	p := New(endpoint, m.dial, m.config, WithLogger(m.logger))
	m.pools[endpoint.ID] = p
	return p, nil
}

func (m *Manager) lookup(endpointID string) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools[endpointID]
}
