package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avamesh/internal/cache"
	"github.com/vyrodovalexey/avamesh/internal/observability"
)

var (
	// ErrAlreadyRegistered is returned when registering a service ID that
	// exists and replace was not requested.
	ErrAlreadyRegistered = errors.New("service already registered")

	// ErrNotFound is returned when a service ID is unknown.
	ErrNotFound = errors.New("service not found")

	// ErrInvalidService is returned when service info fails validation.
	ErrInvalidService = errors.New("invalid service info")
)

// Registry stores ServiceInfo records and serves lookups through a TTL
// cache so the hot path rarely touches the authoritative map.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*ServiceInfo

	lookups *cache.TTLCache[*ServiceInfo]
	logger  observability.Logger
}

// Option configures the registry.
type Option func(*options)

type options struct {
	logger     observability.Logger
	lookupTTL  time.Duration
	maxEntries int
}

// WithLogger sets the registry logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLookupTTL sets how long cached lookups stay fresh.
func WithLookupTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.lookupTTL = ttl
	}
}

// WithMaxCachedLookups bounds the lookup cache size.
func WithMaxCachedLookups(n int) Option {
	return func(o *options) {
		o.maxEntries = n
	}
}

// New creates a registry.
func New(opts ...Option) *Registry {
	o := &options{
		logger:     observability.NopLogger(),
		lookupTTL:  5 * time.Second,
		maxEntries: 10000,
	}
	for _, opt := range opts {
		opt(o)
	}

	return &Registry{
		services: make(map[string]*ServiceInfo),
		logger:   o.logger,
		lookups: cache.NewTTLCache[*ServiceInfo](cache.Options{
			Name:       "registry_lookups",
			MaxEntries: o.maxEntries,
			DefaultTTL: o.lookupTTL,
		}, o.logger),
	}
}

// Register stores a service. Registering an existing service ID fails
// with ErrAlreadyRegistered unless replace is set, in which case the
// whole record is swapped. Endpoints without an ID are assigned one.
func (r *Registry) Register(info *ServiceInfo, replace bool) error {
	if err := validate(info); err != nil {
		return err
	}

	stored := info.clone()
	for _, ep := range stored.Endpoints {
		ep.ServiceID = stored.ID
		if ep.ID == "" {
			ep.ID = uuid.NewString()
		}
		if ep.Protocol == "" {
			ep.Protocol = ProtocolHTTP
		}
		if ep.Weight == 0 {
			ep.Weight = 1
		}
	}

	r.mu.Lock()
	_, exists := r.services[stored.ID]
	if exists && !replace {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, stored.ID)
	}
	r.services[stored.ID] = stored
	total := len(r.services)
	r.mu.Unlock()

	r.lookups.Invalidate(context.Background(), stored.ID)

	op := "register"
	if exists {
		op = "replace"
	}
	recordRegistration(op, total)

	r.logger.Info("service registered",
		observability.String("service", stored.ID),
		observability.String("name", stored.Name),
		observability.Int("endpoints", len(stored.Endpoints)),
		observability.Bool("replaced", exists),
	)

	return nil
}

// Unregister removes a service. Returns false if the service was not
// registered.
func (r *Registry) Unregister(serviceID string) bool {
	r.mu.Lock()
	_, exists := r.services[serviceID]
	if exists {
		delete(r.services, serviceID)
	}
	total := len(r.services)
	r.mu.Unlock()

	if !exists {
		return false
	}

	r.lookups.Invalidate(context.Background(), serviceID)
	recordRegistration("unregister", total)

	r.logger.Info("service unregistered", observability.String("service", serviceID))

	return true
}

// Get returns the service with the given ID. The returned value is
// shared; callers must not mutate it.
func (r *Registry) Get(ctx context.Context, serviceID string) (*ServiceInfo, error) {
	if info, err := r.lookups.Get(ctx, serviceID); err == nil {
		return info, nil
	}

	r.mu.RLock()
	info, exists := r.services[serviceID]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, serviceID)
	}

	r.lookups.Set(ctx, serviceID, info, 0)

	return info, nil
}

// Endpoints returns the endpoints of a service.
func (r *Registry) Endpoints(ctx context.Context, serviceID string) ([]*ServiceEndpoint, error) {
	info, err := r.Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	return info.Endpoints, nil
}

// List returns all registered services ordered by ID.
func (r *Registry) List() []*ServiceInfo {
	r.mu.RLock()
	services := make([]*ServiceInfo, 0, len(r.services))
	for _, info := range r.services {
		services = append(services, info)
	}
	r.mu.RUnlock()

	sort.Slice(services, func(i, j int) bool {
		return services[i].ID < services[j].ID
	})
	return services
}

// Count returns the number of registered services.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// Close releases the lookup cache.
func (r *Registry) Close() {
	r.lookups.Close()
}

func validate(info *ServiceInfo) error {
	if info == nil {
		return fmt.Errorf("%w: nil service info", ErrInvalidService)
	}
	if info.ID == "" {
		return fmt.Errorf("%w: service id is required", ErrInvalidService)
	}
	if len(info.Endpoints) == 0 {
		return fmt.Errorf("%w: %s: at least one endpoint is required", ErrInvalidService, info.ID)
	}

	for i, ep := range info.Endpoints {
		if ep == nil {
			return fmt.Errorf("%w: %s: endpoint %d is nil", ErrInvalidService, info.ID, i)
		}
		if ep.Host == "" {
			return fmt.Errorf("%w: %s: endpoint %d: host is required", ErrInvalidService, info.ID, i)
		}
		if ep.Port <= 0 || ep.Port > 65535 {
			return fmt.Errorf("%w: %s: endpoint %d: port %d out of range", ErrInvalidService, info.ID, i, ep.Port)
		}
		if ep.Weight < 0 {
			return fmt.Errorf("%w: %s: endpoint %d: negative weight %d", ErrInvalidService, info.ID, i, ep.Weight)
		}
		switch ep.Protocol {
		case "", ProtocolHTTP, ProtocolHTTPS, ProtocolGRPC:
		default:
			return fmt.Errorf("%w: %s: endpoint %d: unknown protocol %q", ErrInvalidService, info.ID, i, ep.Protocol)
		}
	}

	return nil
}
