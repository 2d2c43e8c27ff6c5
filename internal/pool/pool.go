// Package pool provides a bounded connection pool per endpoint. A pool
// holds at most MaxActive connections in flight, reuses idle connections
// up to MaxIdle, and ages out idle connections in the background.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/registry"
)

var (
	// ErrPoolExhausted is returned when no connection slot frees up
	// within the acquire timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed is returned when acquiring from a closed pool.
	ErrPoolClosed = errors.New("connection pool closed")
)

// DialFunc establishes a new connection to an endpoint.
type DialFunc func(ctx context.Context, endpoint *registry.ServiceEndpoint) (io.Closer, error)

// Config bounds a single endpoint pool.
type Config struct {
	// MaxActive caps concurrently leased connections. Idle connections
	// do not count against it.
	MaxActive int
	// MaxIdle caps connections kept for reuse after release.
	MaxIdle int
	// IdleTimeout ages idle connections out of the pool.
	IdleTimeout time.Duration
	// AcquireTimeout bounds how long Acquire waits for a free slot.
	AcquireTimeout time.Duration
}

// DefaultConfig returns the default pool bounds.
func DefaultConfig() Config {
	return Config{
		MaxActive:      64,
		MaxIdle:        8,
		IdleTimeout:    90 * time.Second,
		AcquireTimeout: 3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxActive <= 0 {
		c.MaxActive = def.MaxActive
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = def.MaxIdle
	}
	if c.MaxIdle > c.MaxActive {
		c.MaxIdle = c.MaxActive
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = def.AcquireTimeout
	}
	return c
}

type idleConn struct {
	conn       io.Closer
	releasedAt time.Time
}

// Pool is a bounded connection pool for a single endpoint.
type Pool struct {
	endpoint *registry.ServiceEndpoint
	dial     DialFunc
	config   Config
	logger   observability.Logger

	slots chan struct{}

	mu     sync.Mutex
	idle   []*idleConn
	active int
	closed bool

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a pool for the given endpoint.
func New(endpoint *registry.ServiceEndpoint, dial DialFunc, config Config, opts ...Option) *Pool {
	config = config.withDefaults()
	p := &Pool{
		endpoint:  endpoint,
		dial:      dial,
		config:    config,
		logger:    observability.NopLogger(),
		slots:     make(chan struct{}, config.MaxActive),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.sweepLoop()
	return p
}

// Acquire returns a connection, reusing an idle one when available and
// dialing otherwise. It blocks for at most the acquire timeout when the
// pool is at capacity, then fails with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (io.Closer, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.slots <- struct{}{}:
	default:
		timer := time.NewTimer(p.config.AcquireTimeout)
		defer timer.Stop()
		select {
		case p.slots <- struct{}{}:
		case <-timer.C:
			recordAcquire(p.endpoint.ServiceID, "exhausted")
			return nil, fmt.Errorf("%w: endpoint %s", ErrPoolExhausted, p.endpoint.ID)
		case <-ctx.Done():
			recordAcquire(p.endpoint.ServiceID, "canceled")
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.freeSlot()
		return nil, ErrPoolClosed
	}
	for len(p.idle) > 0 {
		ic := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if time.Since(ic.releasedAt) > p.config.IdleTimeout {
			p.closeConn(ic.conn)
			continue
		}
		p.active++
		p.mu.Unlock()
		recordAcquire(p.endpoint.ServiceID, "reused")
		p.updateGauges()
		return ic.conn, nil
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx, p.endpoint)
	if err != nil {
		p.freeSlot()
		recordAcquire(p.endpoint.ServiceID, "dial_error")
		return nil, fmt.Errorf("dial endpoint %s: %w", p.endpoint.ID, err)
	}

	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	recordAcquire(p.endpoint.ServiceID, "dialed")
	p.updateGauges()
	return conn, nil
}

// Release returns a healthy connection to the pool for reuse. The
// connection is closed when the idle set is full or the pool is closed.
func (p *Pool) Release(conn io.Closer) {
	p.mu.Lock()
	p.active--
	if p.closed || len(p.idle) >= p.config.MaxIdle {
		p.mu.Unlock()
		p.closeConn(conn)
		p.freeSlot()
		p.updateGauges()
		return
	}
	p.idle = append(p.idle, &idleConn{conn: conn, releasedAt: time.Now()})
	p.mu.Unlock()
	p.freeSlot()
	p.updateGauges()
}

// Discard closes a broken connection without returning it to the pool.
func (p *Pool) Discard(conn io.Closer) {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	p.closeConn(conn)
	p.freeSlot()
	p.updateGauges()
}

// Stats reports the pool's current occupancy.
type Stats struct {
	Active int
	Idle   int
}

// Stats returns current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Active: p.active, Idle: len(p.idle)}
}

// Close closes all idle connections and rejects further acquires.
// Connections in flight are closed as they are released or discarded.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		idle := p.idle
		p.idle = nil
		p.mu.Unlock()

		close(p.stopSweep)
		<-p.sweepDone

		for _, ic := range idle {
			p.closeConn(ic.conn)
		}
		forgetPoolMetrics(p.endpoint.ServiceID, p.endpoint.ID)
	})
}

func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)

	interval := p.config.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	var expired []io.Closer
	kept := p.idle[:0]
	for _, ic := range p.idle {
		if time.Since(ic.releasedAt) > p.config.IdleTimeout {
			expired = append(expired, ic.conn)
		} else {
			kept = append(kept, ic)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, conn := range expired {
		p.closeConn(conn)
	}
	if len(expired) > 0 {
		p.updateGauges()
		p.logger.Debug("swept idle connections",
			observability.String("endpoint", p.endpoint.ID),
			observability.Int("closed", len(expired)),
		)
	}
}

func (p *Pool) freeSlot() {
	select {
	case <-p.slots:
	default:
	}
}

func (p *Pool) closeConn(conn io.Closer) {
	if err := conn.Close(); err != nil {
		p.logger.Warn("failed to close pooled connection",
			observability.String("endpoint", p.endpoint.ID),
			observability.Error(err),
		)
	}
}

func (p *Pool) updateGauges() {
	s := p.Stats()
	recordOccupancy(p.endpoint.ServiceID, p.endpoint.ID, s.Active, s.Idle)
}
