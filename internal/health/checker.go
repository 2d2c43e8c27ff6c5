package health

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/registry"
)

const (
	defaultInterval           = 10 * time.Second
	defaultTimeout            = 3 * time.Second
	defaultHealthyThreshold   = 2
	defaultUnhealthyThreshold = 3
)

// Result is the latest observed health of a watched endpoint.
type Result struct {
	EndpointID           string
	ServiceID            string
	Healthy              bool
	Latency              time.Duration
	LastChecked          time.Time
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastError            string
}

// StatusFunc is invoked when an endpoint transitions between healthy and
// unhealthy. It runs on the endpoint's probe goroutine and must not block.
type StatusFunc func(endpoint *registry.ServiceEndpoint, healthy bool)

// Config controls probe cadence and hysteresis thresholds.
type Config struct {
	// Interval between probes of a single endpoint.
	Interval time.Duration
	// Timeout applied to each probe.
	Timeout time.Duration
	// HealthyThreshold is the number of consecutive passing probes needed
	// to mark an unhealthy endpoint healthy again.
	HealthyThreshold int
	// UnhealthyThreshold is the number of consecutive failing probes
	// needed to mark a healthy endpoint unhealthy.
	UnhealthyThreshold int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.HealthyThreshold <= 0 {
		c.HealthyThreshold = defaultHealthyThreshold
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = defaultUnhealthyThreshold
	}
	return c
}

type watch struct {
	endpoint  *registry.ServiceEndpoint
	cancel    context.CancelFunc
	stoppedCh chan struct{}
}

// Checker probes watched endpoints on a fixed interval, each on its own
// goroutine. Endpoints start healthy so a freshly registered service is
// routable before its first probe completes.
type Checker struct {
	prober   Prober
	config   Config
	logger   observability.Logger
	onChange StatusFunc

	mu      sync.Mutex
	watches map[string]*watch
	results map[string]*Result
	closed  bool
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithCheckerLogger sets the checker logger.
func WithCheckerLogger(logger observability.Logger) CheckerOption {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStatusFunc registers a callback for health transitions.
func WithStatusFunc(fn StatusFunc) CheckerOption {
	return func(c *Checker) {
		c.onChange = fn
	}
}

// NewChecker creates a health checker using the given prober.
func NewChecker(prober Prober, config Config, opts ...CheckerOption) *Checker {
	c := &Checker{
		prober:  prober,
		config:  config.withDefaults(),
		logger:  observability.NopLogger(),
		watches: make(map[string]*watch),
		results: make(map[string]*Result),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Watch starts probing an endpoint. Watching an already watched endpoint
// restarts its probe loop with the new endpoint details.
func (c *Checker) Watch(endpoint *registry.ServiceEndpoint) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if prev, ok := c.watches[endpoint.ID]; ok {
		prev.cancel()
		c.mu.Unlock()
		<-prev.stoppedCh
		c.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{
		endpoint:  endpoint,
		cancel:    cancel,
		stoppedCh: make(chan struct{}),
	}
	c.watches[endpoint.ID] = w
	c.results[endpoint.ID] = &Result{
		EndpointID: endpoint.ID,
		ServiceID:  endpoint.ServiceID,
		Healthy:    true,
	}
	c.mu.Unlock()

	recordEndpointHealthy(endpoint.ServiceID, endpoint.ID, true)
	go c.probeLoop(ctx, w)
}

// Unwatch stops probing an endpoint and forgets its result. It returns
// after the probe goroutine has exited.
func (c *Checker) Unwatch(endpointID string) {
	c.mu.Lock()
	w, ok := c.watches[endpointID]
	if ok {
		delete(c.watches, endpointID)
		delete(c.results, endpointID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	w.cancel()
	<-w.stoppedCh
	forgetEndpointMetrics(w.endpoint.ServiceID, endpointID)
}

// UnwatchService stops probing every endpoint of a service.
func (c *Checker) UnwatchService(serviceID string) {
	c.mu.Lock()
	var ids []string
	for id, w := range c.watches {
		if w.endpoint.ServiceID == serviceID {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Unwatch(id)
	}
}

// Healthy reports whether an endpoint is currently considered healthy.
// Unknown endpoints are reported unhealthy.
func (c *Checker) Healthy(endpointID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.results[endpointID]
	return ok && r.Healthy
}

// Result returns the latest probe result for an endpoint.
func (c *Checker) Result(endpointID string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.results[endpointID]
	if !ok {
		return Result{}, false
	}
	return *r, true
}

// Results returns a snapshot of all watched endpoints.
func (c *Checker) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Result, 0, len(c.results))
	for _, r := range c.results {
		out = append(out, *r)
	}
	return out
}

// Stop cancels all probe loops and waits for them to exit. The checker
// cannot be reused afterwards.
func (c *Checker) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	watches := make([]*watch, 0, len(c.watches))
	for _, w := range c.watches {
		watches = append(watches, w)
	}
	c.watches = make(map[string]*watch)
	c.mu.Unlock()

	for _, w := range watches {
		w.cancel()
	}
	for _, w := range watches {
		<-w.stoppedCh
	}

	if closer, ok := c.prober.(interface{ Close() }); ok {
		closer.Close()
	}
}

func (c *Checker) probeLoop(ctx context.Context, w *watch) {
	defer close(w.stoppedCh)

	c.probe(ctx, w.endpoint)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probe(ctx, w.endpoint)
		}
	}
}

func (c *Checker) probe(ctx context.Context, endpoint *registry.ServiceEndpoint) {
	probeCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	err := c.prober.Probe(probeCtx, endpoint)
	latency := time.Since(start)

	if ctx.Err() != nil {
		return
	}

	recordProbe(endpoint.ServiceID, err == nil, latency)

	c.mu.Lock()
	r, ok := c.results[endpoint.ID]
	if !ok {
		c.mu.Unlock()
		return
	}

	r.Latency = latency
	r.LastChecked = time.Now()

	var transitioned bool
	if err != nil {
		r.ConsecutiveFailures++
		r.ConsecutiveSuccesses = 0
		r.LastError = err.Error()
		if r.Healthy && r.ConsecutiveFailures >= c.config.UnhealthyThreshold {
			r.Healthy = false
			transitioned = true
		}
	} else {
		r.ConsecutiveSuccesses++
		r.ConsecutiveFailures = 0
		r.LastError = ""
		if !r.Healthy && r.ConsecutiveSuccesses >= c.config.HealthyThreshold {
			r.Healthy = true
			transitioned = true
		}
	}
	healthy := r.Healthy
	c.mu.Unlock()

	if !transitioned {
		return
	}

	recordEndpointHealthy(endpoint.ServiceID, endpoint.ID, healthy)
	if healthy {
		c.logger.Info("endpoint recovered",
			observability.String("service", endpoint.ServiceID),
			observability.String("endpoint", endpoint.ID),
			observability.String("addr", endpoint.Address()),
		)
	} else {
		c.logger.Warn("endpoint unhealthy",
			observability.String("service", endpoint.ServiceID),
			observability.String("endpoint", endpoint.ID),
			observability.String("addr", endpoint.Address()),
			observability.String("error", err.Error()),
		)
	}
	if c.onChange != nil {
		c.onChange(endpoint, healthy)
	}
}
