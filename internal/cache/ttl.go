package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avamesh/internal/observability"
)

// cacheTracerName is the OpenTelemetry tracer name for cache operations.
const cacheTracerName = "avamesh/cache"

// TTLCache is a bounded in-memory cache with per-entry expiry. Expired
// entries are treated as absent on read and removed lazily; a background
// sweep removes write-only stale entries to bound memory. When the entry
// bound is exceeded the least recently used entry is evicted.
type TTLCache[V any] struct {
	logger        observability.Logger
	name          string
	maxEntries    int
	defaultTTL    time.Duration
	sweepInterval time.Duration

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// entry is a single cache entry. A zero expiresAt means the entry never
// expires.
type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// NewTTLCache creates a TTL cache and starts its background sweep.
func NewTTLCache[V any](opts Options, logger observability.Logger) *TTLCache[V] {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Name == "" {
		opts.Name = "default"
	}

	c := &TTLCache[V]{
		logger:        logger,
		name:          opts.Name,
		maxEntries:    opts.MaxEntries,
		defaultTTL:    opts.DefaultTTL,
		sweepInterval: opts.SweepInterval,
		items:         make(map[string]*list.Element),
		eviction:      list.New(),
		stopCh:        make(chan struct{}),
	}

	go c.sweepLoop()

	return c
}

// Get retrieves a value from the cache. Returns ErrCacheMiss if the key
// is absent or expired; expired entries are removed on the spot.
func (c *TTLCache[V]) Get(ctx context.Context, key string) (V, error) {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.name", c.name),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		metrics().operationDuration.WithLabelValues(c.name, "get").
			Observe(time.Since(start).Seconds())
	}()

	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[key]
	if !exists {
		c.misses.Add(1)
		metrics().missesTotal.WithLabelValues(c.name).Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return zero, ErrCacheMiss
	}

	ent := elem.Value.(*entry[V])
	if !ent.expiresAt.IsZero() && !time.Now().Before(ent.expiresAt) {
		c.removeElement(elem)
		c.misses.Add(1)
		metrics().missesTotal.WithLabelValues(c.name).Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return zero, ErrCacheMiss
	}

	c.eviction.MoveToFront(elem)

	c.hits.Add(1)
	metrics().hitsTotal.WithLabelValues(c.name).Inc()
	span.SetAttributes(attribute.Bool("cache.hit", true))

	return ent.value, nil
}

// Set stores a value with the given TTL. A zero TTL falls back to the
// cache's default TTL; if that is also zero the entry never expires.
func (c *TTLCache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.name", c.name),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		metrics().operationDuration.WithLabelValues(c.name, "set").
			Observe(time.Since(start).Seconds())
	}()

	if ttl == 0 {
		ttl = c.defaultTTL
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	ent := &entry[V]{key: key, value: value, expiresAt: expiresAt}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		c.eviction.MoveToFront(elem)
		elem.Value = ent
		return
	}

	elem := c.eviction.PushFront(ent)
	c.items[key] = elem

	for c.eviction.Len() > c.maxEntries {
		c.evictOldest()
	}

	metrics().sizeGauge.WithLabelValues(c.name).Set(float64(c.eviction.Len()))
}

// Invalidate removes a key from the cache. Removing an absent key is a
// no-op.
func (c *TTLCache[V]) Invalidate(ctx context.Context, key string) {
	_, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Invalidate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.name", c.name),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		c.removeElement(elem)
	}
}

// Len returns the current number of entries, including any expired
// entries not yet swept.
func (c *TTLCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eviction.Len()
}

// Stats returns cache statistics.
func (c *TTLCache[V]) Stats() Stats {
	c.mu.Lock()
	size := int64(c.eviction.Len())
	c.mu.Unlock()

	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
	}
}

// Close stops the background sweep and drops all entries. Safe to call
// multiple times.
func (c *TTLCache[V]) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.eviction.Init()
}

// evictOldest removes the least recently used entry. Must be called with
// the lock held.
func (c *TTLCache[V]) evictOldest() {
	elem := c.eviction.Back()
	if elem != nil {
		c.removeElement(elem)
		c.evictions.Add(1)
		metrics().evictionsTotal.WithLabelValues(c.name).Inc()
	}
}

// removeElement removes an element. Must be called with the lock held.
func (c *TTLCache[V]) removeElement(elem *list.Element) {
	c.eviction.Remove(elem)
	ent := elem.Value.(*entry[V])
	delete(c.items, ent.key)
}

// sweepLoop periodically removes expired entries.
func (c *TTLCache[V]) sweepLoop() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

// sweep removes expired entries under a single write lock so entries
// cannot be resurrected between scan and removal.
func (c *TTLCache[V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var toRemove []*list.Element

	for elem := c.eviction.Back(); elem != nil; elem = elem.Prev() {
		ent := elem.Value.(*entry[V])
		if !ent.expiresAt.IsZero() && now.After(ent.expiresAt) {
			toRemove = append(toRemove, elem)
		}
	}

	for _, elem := range toRemove {
		c.removeElement(elem)
	}

	if len(toRemove) > 0 {
		metrics().sizeGauge.WithLabelValues(c.name).Set(float64(c.eviction.Len()))
		c.logger.Debug("cache sweep completed",
			observability.String("cache", c.name),
			observability.Int("removed", len(toRemove)))
	}
}
