// Package health runs periodic endpoint probes and tracks per-endpoint
// health with hysteresis, so momentary blips do not flap an endpoint in
// and out of the load balancer's candidate set.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/registry"
)

// Prober issues a single health probe against an endpoint. A nil error
// means the endpoint passed.
type Prober interface {
	Probe(ctx context.Context, endpoint *registry.ServiceEndpoint) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, endpoint *registry.ServiceEndpoint) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, endpoint *registry.ServiceEndpoint) error {
	return f(ctx, endpoint)
}

// HTTPProber probes endpoints with a GET request and passes on any 2xx
// response.
type HTTPProber struct {
	client *http.Client
	path   string
}

// NewHTTPProber creates an HTTP prober hitting the given path.
func NewHTTPProber(path string, timeout time.Duration) *HTTPProber {
	if path == "" {
		path = "/healthz"
	}
	return &HTTPProber{
		client: &http.Client{Timeout: timeout},
		path:   path,
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, endpoint *registry.ServiceEndpoint) error {
	scheme := "http"
	if endpoint.Protocol == registry.ProtocolHTTPS {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, endpoint.Address(), p.path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}

	return nil
}

// GRPCProber probes endpoints through the standard gRPC health service.
// Connections are pooled per address and recycled when they go stale.
type GRPCProber struct {
	service string
	timeout time.Duration
	creds   credentials.TransportCredentials
	logger  observability.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// GRPCProberOption configures a GRPCProber.
type GRPCProberOption func(*GRPCProber)

// WithGRPCTransportCredentials sets TLS credentials for probe connections.
func WithGRPCTransportCredentials(creds credentials.TransportCredentials) GRPCProberOption {
	return func(p *GRPCProber) {
		p.creds = creds
	}
}

// WithGRPCProberLogger sets the prober logger.
func WithGRPCProberLogger(logger observability.Logger) GRPCProberOption {
	return func(p *GRPCProber) {
		p.logger = logger
	}
}

// NewGRPCProber creates a gRPC health prober for the given service name.
// An empty service name checks overall server health.
func NewGRPCProber(service string, timeout time.Duration, opts ...GRPCProberOption) *GRPCProber {
	p := &GRPCProber{
		service: service,
		timeout: timeout,
		logger:  observability.NopLogger(),
		conns:   make(map[string]*grpc.ClientConn),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe implements Prober.
func (p *GRPCProber) Probe(ctx context.Context, endpoint *registry.ServiceEndpoint) error {
	conn, err := p.conn(endpoint.Address())
	if err != nil {
		return err
	}

	checkCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{
		Service: p.service,
	})
	if err != nil {
		p.closeConn(endpoint.Address())
		return err
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health status %s", resp.GetStatus())
	}

	return nil
}

// Close releases all pooled probe connections.
func (p *GRPCProber) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for addr, conn := range p.conns {
		if err := conn.Close(); err != nil {
			p.logger.Warn("failed to close probe connection",
				observability.String("addr", addr),
				observability.Error(err),
			)
		}
		delete(p.conns, addr)
	}
}

func (p *GRPCProber) conn(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		state := conn.GetState()
		if state != connectivity.Shutdown && state != connectivity.TransientFailure {
			return conn, nil
		}
		if err := conn.Close(); err != nil {
			p.logger.Warn("failed to close stale probe connection",
				observability.String("addr", addr),
				observability.Error(err),
			)
		}
		delete(p.conns, addr)
	}

	creds := p.creds
	if creds == nil {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, err
	}

	p.conns[addr] = conn
	return conn, nil
}

func (p *GRPCProber) closeConn(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		if err := conn.Close(); err != nil {
			p.logger.Warn("failed to close probe connection",
				observability.String("addr", addr),
				observability.Error(err),
			)
		}
		delete(p.conns, addr)
	}
}
