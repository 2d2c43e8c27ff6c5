package mesh

import (
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/vyrodovalexey/avamesh/internal/balancer"
	"github.com/vyrodovalexey/avamesh/internal/circuitbreaker"
	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/health"
	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/pool"
	"github.com/vyrodovalexey/avamesh/internal/ratelimit"
	"github.com/vyrodovalexey/avamesh/internal/ratelimit/store"
	"github.com/vyrodovalexey/avamesh/internal/registry"
)

// InvokeFunc performs the actual call against a selected endpoint using a
// pooled connection. Returning an error records a breaker failure and
// discards the connection.
type InvokeFunc func(ctx context.Context, endpoint *registry.ServiceEndpoint, conn io.Closer) error

// Manager wires the mesh components together: service registration flows
// into the registry and health checker, endpoint resolution consults
// health and breaker state before the load balancer picks, and Invoke
// runs the full rate limit, breaker and pool pipeline around a call.
type Manager struct {
	config *config.MeshConfig
	logger observability.Logger

	registry *registry.Registry
	checker  *health.Checker
	breakers *circuitbreaker.Registry
	engine   *ratelimit.Engine
	pools    *pool.Manager
	store    store.Store

	strategyMu sync.RWMutex
	strategy   balancer.Strategy

	mu      sync.Mutex
	started bool
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	logger observability.Logger
	prober health.Prober
	dial   pool.DialFunc
}

// WithLogger sets the manager logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *managerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithProber overrides the health prober built from configuration.
func WithProber(p health.Prober) Option {
	return func(o *managerOptions) {
		o.prober = p
	}
}

// WithDialFunc overrides how pooled connections are established.
func WithDialFunc(dial pool.DialFunc) Option {
	return func(o *managerOptions) {
		o.dial = dial
	}
}

// New creates a mesh manager from configuration. A nil config uses the
// defaults.
func New(cfg *config.MeshConfig, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	o := &managerOptions{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(o)
	}

	breakerConfig, err := buildBreakerConfig(cfg.CircuitBreaker)
	if err != nil {
		return nil, err
	}
	breakers, err := circuitbreaker.NewRegistry(breakerConfig, o.logger)
	if err != nil {
		return nil, err
	}

	strategy, err := balancer.New(cfg.LoadBalancing.Strategy)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		config:   cfg,
		logger:   o.logger,
		breakers: breakers,
		strategy: strategy,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	m.registry = registry.New(
		registry.WithLogger(o.logger),
		registry.WithLookupTTL(cfg.Discovery.CacheTTL.Duration()),
		registry.WithMaxCachedLookups(cfg.Discovery.MaxCacheEntries),
	)

	prober := o.prober
	if prober == nil {
		prober = buildProber(cfg.HealthCheck, o.logger)
	}
	m.checker = health.NewChecker(prober, health.Config{
		Interval:           cfg.HealthCheck.Interval.Duration(),
		Timeout:            cfg.HealthCheck.Timeout.Duration(),
		HealthyThreshold:   cfg.HealthCheck.HealthyThreshold,
		UnhealthyThreshold: cfg.HealthCheck.UnhealthyThreshold,
	}, health.WithCheckerLogger(o.logger))

	if cfg.RateLimit.Enabled {
		st, err := buildStore(cfg.RateLimit.Store)
		if err != nil {
			m.checker.Stop()
			m.registry.Close()
			return nil, err
		}
		engine, err := ratelimit.NewEngine(buildRules(cfg.RateLimit.Rules),
			ratelimit.WithStore(st),
			ratelimit.WithEngineLogger(o.logger),
		)
		if err != nil {
			_ = st.Close()
			m.checker.Stop()
			m.registry.Close()
			return nil, err
		}
		m.store = st
		m.engine = engine
	}

	dial := o.dial
	if dial == nil {
		dial = defaultDial
	}
	m.pools = pool.NewManager(dial, pool.Config{
		MaxActive:      cfg.Pool.MaxActive,
		MaxIdle:        cfg.Pool.MaxIdle,
		IdleTimeout:    cfg.Pool.IdleTimeout.Duration(),
		AcquireTimeout: cfg.Pool.AcquireTimeout.Duration(),
	}, pool.WithManagerLogger(o.logger))

	return m, nil
}

// Start launches the background metrics flush loop. It is a no-op when
// called twice.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if m.started {
		return nil
	}
	m.started = true

	go m.flushLoop()

	m.logger.Info("mesh manager started",
		observability.String("node", m.config.Node),
		observability.String("strategy", m.StrategyName()),
	)
	return nil
}

// RegisterService adds a service to the mesh and starts health probing
// its endpoints. With replace set, an existing registration is swapped
// out and stale endpoint state is dropped.
func (m *Manager) RegisterService(info *registry.ServiceInfo, replace bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.mu.Unlock()

	if err := m.registry.Register(info, replace); err != nil {
		switch {
		case errors.Is(err, registry.ErrAlreadyRegistered):
			return NewMeshError("register", info.ID, "", "already registered", ErrServiceAlreadyRegistered)
		case errors.Is(err, registry.ErrInvalidService):
			return NewMeshError("register", serviceID(info), "", "validation failed", errors.Join(ErrInvalidService, err))
		default:
			return err
		}
	}

	if replace {
		// Drop state tied to the previous registration's endpoints.
		m.checker.UnwatchService(info.ID)
		m.breakers.RemoveService(info.ID)
		m.pools.RemoveService(info.ID)
	}

	stored, err := m.registry.Get(context.Background(), info.ID)
	if err != nil {
		return err
	}
	for _, ep := range stored.Endpoints {
		m.checker.Watch(ep)
	}

	m.logger.Info("service registered",
		observability.String("service", stored.ID),
		observability.Int("endpoints", len(stored.Endpoints)),
		observability.Bool("replace", replace),
	)
	return nil
}

// UnregisterService removes a service and tears down its health probes,
// breakers, pools and rate limit state. It reports whether the service
// was registered.
func (m *Manager) UnregisterService(serviceID string) bool {
	removed := m.registry.Unregister(serviceID)
	if !removed {
		return false
	}

	m.checker.UnwatchService(serviceID)
	m.breakers.RemoveService(serviceID)
	m.pools.RemoveService(serviceID)
	if m.engine != nil {
		m.engine.PurgeResource(serviceID)
	}
	if rr, ok := m.activeStrategy().(*balancer.RoundRobin); ok {
		rr.Forget(serviceID)
	}

	m.logger.Info("service unregistered", observability.String("service", serviceID))
	return true
}

// GetService returns the stored record for a service.
func (m *Manager) GetService(ctx context.Context, serviceID string) (*registry.ServiceInfo, error) {
	info, err := m.registry.Get(ctx, serviceID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, NewMeshError("get", serviceID, "", "not registered", ErrServiceNotFound)
		}
		return nil, err
	}
	return info, nil
}

// GetServiceEndpoint resolves one routable endpoint for a service. Only
// healthy endpoints whose breaker admits traffic are candidates; the
// active strategy picks among them. The breaker admission is consumed,
// so callers should report the call outcome with ReportOutcome.
func (m *Manager) GetServiceEndpoint(ctx context.Context, serviceID string) (*registry.ServiceEndpoint, error) {
	info, err := m.registry.Get(ctx, serviceID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, NewMeshError("resolve", serviceID, "", "not registered", ErrServiceNotFound)
		}
		return nil, err
	}

	candidates := make([]*registry.ServiceEndpoint, 0, len(info.Endpoints))
	now := time.Now()
	for _, ep := range info.Endpoints {
		if !m.checker.Healthy(ep.ID) {
			continue
		}
		// An open breaker past its timeout stays a candidate so the
		// Allow call below can run its half-open probe.
		snap := m.breakers.GetOrCreate(circuitbreaker.Name(serviceID, ep.ID)).Snapshot()
		if snap.State == circuitbreaker.StateOpen && now.Before(snap.OpenedUntil) {
			continue
		}
		candidates = append(candidates, ep)
	}

	strategy := m.activeStrategy()
	for len(candidates) > 0 {
		ep, err := strategy.Pick(serviceID, candidates)
		if err != nil {
			break
		}
		if m.breakers.GetOrCreate(circuitbreaker.Name(serviceID, ep.ID)).Allow() {
			recordResolution(serviceID, "ok")
			return ep, nil
		}
		candidates = without(candidates, ep.ID)
	}

	recordResolution(serviceID, "unavailable")
	return nil, NewMeshError("resolve", serviceID, "", "every endpoint is unhealthy or tripped", ErrServiceUnavailable)
}

// ReportOutcome records the result of a call made against an endpoint
// resolved with GetServiceEndpoint.
func (m *Manager) ReportOutcome(serviceID, endpointID string, err error) {
	b := m.breakers.GetOrCreate(circuitbreaker.Name(serviceID, endpointID))
	if err != nil {
		b.RecordFailure()
		return
	}
	b.RecordSuccess()
}

// Allow runs only the rate limit stage for a caller against a resource.
// When rate limiting is disabled every request is allowed.
func (m *Manager) Allow(ctx context.Context, clientKey, resource string) (*ratelimit.Result, error) {
	if m.engine == nil {
		return &ratelimit.Result{Allowed: true}, nil
	}
	return m.engine.Allow(ctx, clientKey, resource)
}

// Invoke runs the full pipeline around fn: rate limit check, endpoint
// resolution, connection pool checkout and breaker bookkeeping. The
// clientKey identifies the caller for rate limiting.
func (m *Manager) Invoke(ctx context.Context, serviceID, clientKey string, fn InvokeFunc) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.mu.Unlock()

	start := time.Now()

	if m.engine != nil {
		res, err := m.engine.Allow(ctx, clientKey, serviceID)
		if err != nil {
			return NewMeshError("invoke", serviceID, "", "rate limit check failed", err)
		}
		if !res.Allowed {
			recordInvocation(serviceID, "rate_limited", time.Since(start))
			return NewMeshError("invoke", serviceID, "", "rate limit exceeded", ErrRateLimited)
		}
	}

	ep, err := m.GetServiceEndpoint(ctx, serviceID)
	if err != nil {
		recordInvocation(serviceID, "unavailable", time.Since(start))
		return err
	}

	if tracker, ok := m.activeStrategy().(balancer.ConnTracker); ok {
		tracker.Acquire(ep.ID)
		defer tracker.Release(ep.ID)
	}

	conn, err := m.pools.Acquire(ctx, ep)
	if err != nil {
		m.ReportOutcome(serviceID, ep.ID, err)
		recordInvocation(serviceID, "pool_error", time.Since(start))
		if errors.Is(err, pool.ErrPoolExhausted) {
			return NewMeshError("invoke", serviceID, ep.ID, "no free connection", ErrPoolExhausted)
		}
		return NewMeshError("invoke", serviceID, ep.ID, "connection failed", err)
	}

	callErr := fn(ctx, ep, conn)
	m.ReportOutcome(serviceID, ep.ID, callErr)
	if callErr != nil {
		m.pools.Discard(ep, conn)
		recordInvocation(serviceID, "error", time.Since(start))
		return NewMeshError("invoke", serviceID, ep.ID, "call failed", callErr)
	}

	m.pools.Release(ep, conn)
	recordInvocation(serviceID, "ok", time.Since(start))
	return nil
}

// ApplyRateLimitRules replaces the rate limit rules at runtime. It is a
// no-op when rate limiting is disabled.
func (m *Manager) ApplyRateLimitRules(rules []config.RateLimitRule) error {
	if m.engine == nil {
		return nil
	}
	return m.engine.ReplaceRules(buildRules(rules))
}

// SetStrategy swaps the active load balancing strategy at runtime.
func (m *Manager) SetStrategy(name string) error {
	strategy, err := balancer.New(name)
	if err != nil {
		return err
	}

	m.strategyMu.Lock()
	m.strategy = strategy
	m.strategyMu.Unlock()

	m.logger.Info("load balancing strategy changed", observability.String("strategy", strategy.Name()))
	return nil
}

// StrategyName returns the name of the active strategy.
func (m *Manager) StrategyName() string {
	return m.activeStrategy().Name()
}

// EndpointStatus describes one endpoint of a service.
type EndpointStatus struct {
	Endpoint *registry.ServiceEndpoint `json:"endpoint"`
	Healthy  bool                      `json:"healthy"`
	Health   *health.Result            `json:"health,omitempty"`
	Breaker  circuitbreaker.Snapshot   `json:"breaker"`
}

// ServiceStatus describes a registered service and its endpoints.
type ServiceStatus struct {
	Service          *registry.ServiceInfo `json:"service"`
	Endpoints        []EndpointStatus      `json:"endpoints"`
	HealthyEndpoints int                   `json:"healthyEndpoints"`
}

// Status describes the mesh as a whole.
type Status struct {
	Node             string `json:"node"`
	Services         int    `json:"services"`
	Endpoints        int    `json:"endpoints"`
	HealthyEndpoints int    `json:"healthyEndpoints"`
	OpenCircuits     int    `json:"openCircuits"`
	Strategy         string `json:"strategy"`
}

// ServiceStatus returns the per-endpoint health and breaker state of a
// service.
func (m *Manager) ServiceStatus(ctx context.Context, serviceID string) (*ServiceStatus, error) {
	info, err := m.registry.Get(ctx, serviceID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, NewMeshError("status", serviceID, "", "not registered", ErrServiceNotFound)
		}
		return nil, err
	}

	status := &ServiceStatus{Service: info}
	for _, ep := range info.Endpoints {
		es := EndpointStatus{
			Endpoint: ep,
			Healthy:  m.checker.Healthy(ep.ID),
			Breaker:  m.breakers.GetOrCreate(circuitbreaker.Name(serviceID, ep.ID)).Snapshot(),
		}
		if r, ok := m.checker.Result(ep.ID); ok {
			es.Health = &r
		}
		if es.Healthy {
			status.HealthyEndpoints++
		}
		status.Endpoints = append(status.Endpoints, es)
	}
	return status, nil
}

// MeshStatus returns aggregate counts across the mesh.
func (m *Manager) MeshStatus() Status {
	services := m.registry.List()

	s := Status{
		Node:         m.config.Node,
		Services:     len(services),
		OpenCircuits: m.breakers.OpenCount(),
		Strategy:     m.StrategyName(),
	}
	for _, svc := range services {
		s.Endpoints += len(svc.Endpoints)
		for _, ep := range svc.Endpoints {
			if m.checker.Healthy(ep.ID) {
				s.HealthyEndpoints++
			}
		}
	}
	return s
}

// Services returns the registered services sorted by ID.
func (m *Manager) Services() []*registry.ServiceInfo {
	services := m.registry.List()
	sort.Slice(services, func(i, j int) bool { return services[i].ID < services[j].ID })
	return services
}

// Stop shuts the manager down: probes stop, pools drain, limiter state
// and the lookup cache are released. Stop is idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	started := m.started
	m.mu.Unlock()

	close(m.stopCh)
	if started {
		<-m.doneCh
	}

	m.checker.Stop()
	m.pools.Close()
	if m.engine != nil {
		if err := m.engine.Close(); err != nil {
			m.logger.Warn("failed to close rate limit engine", observability.Error(err))
		}
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			m.logger.Warn("failed to close rate limit store", observability.Error(err))
		}
	}
	m.registry.Close()
	m.breakers.Clear()

	m.logger.Info("mesh manager stopped", observability.String("node", m.config.Node))
}

func (m *Manager) flushLoop() {
	defer close(m.doneCh)

	if !m.config.Metrics.Enabled {
		<-m.stopCh
		return
	}

	interval := m.config.Metrics.FlushInterval.Duration()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			m.flush()
			return
		case <-ticker.C:
			m.flush()
		}
	}
}

func (m *Manager) flush() {
	s := m.MeshStatus()
	recordMeshStatus(s.Services, s.Endpoints, s.HealthyEndpoints, s.OpenCircuits)
}

func (m *Manager) activeStrategy() balancer.Strategy {
	m.strategyMu.RLock()
	defer m.strategyMu.RUnlock()
	return m.strategy
}

func buildBreakerConfig(cfg config.CircuitBreakerConfig) (*circuitbreaker.Config, error) {
	c, err := circuitbreaker.ConfigForPreset(cfg.Preset)
	if err != nil {
		return nil, err
	}
	if cfg.FailureThreshold > 0 {
		c = c.WithFailureThreshold(cfg.FailureThreshold)
	}
	if cfg.SuccessThreshold > 0 {
		c = c.WithSuccessThreshold(cfg.SuccessThreshold)
	}
	if cfg.HalfOpenMax > 0 {
		c = c.WithHalfOpenMax(cfg.HalfOpenMax)
	}
	if cfg.OpenTimeout.Duration() > 0 {
		c = c.WithOpenTimeout(cfg.OpenTimeout.Duration())
	}
	if cfg.MaxOpenTimeout.Duration() > 0 {
		c = c.WithMaxOpenTimeout(cfg.MaxOpenTimeout.Duration())
	}
	if cfg.BackoffFactor > 0 {
		c = c.WithBackoffFactor(cfg.BackoffFactor)
	}
	return c, nil
}

func buildProber(cfg config.HealthCheckConfig, logger observability.Logger) health.Prober {
	if cfg.UseGRPC {
		return health.NewGRPCProber(cfg.GRPCService, cfg.Timeout.Duration(),
			health.WithGRPCProberLogger(logger))
	}
	return health.NewHTTPProber(cfg.Path, cfg.Timeout.Duration())
}

func buildStore(cfg config.RateLimitStoreConfig) (store.Store, error) {
	if cfg.Type == "redis" {
		return store.NewRedisStore(cfg.RedisAddress, cfg.RedisPassword, cfg.RedisDB, cfg.Prefix)
	}
	return store.NewMemoryStore(), nil
}

func buildRules(rules []config.RateLimitRule) []ratelimit.Rule {
	out := make([]ratelimit.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, ratelimit.Rule{
			Resource:     r.Resource,
			Algorithm:    ratelimit.Algorithm(r.Algorithm),
			Requests:     r.Requests,
			Window:       r.Window.Duration(),
			Capacity:     r.Capacity,
			RefillPerSec: r.RefillPerSec,
		})
	}
	return out
}

func defaultDial(ctx context.Context, endpoint *registry.ServiceEndpoint) (io.Closer, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", endpoint.Address())
}

func without(eps []*registry.ServiceEndpoint, id string) []*registry.ServiceEndpoint {
	out := eps[:0]
	for _, ep := range eps {
		if ep.ID != id {
			out = append(out, ep)
		}
	}
	return out
}

func serviceID(info *registry.ServiceInfo) string {
	if info == nil {
		return ""
	}
	return info.ID
}
