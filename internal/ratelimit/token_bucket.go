package ratelimit

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/ratelimit/store"
)

var _ io.Closer = (*TokenBucketLimiter)(nil)

// TokenBucketLimiter implements the token bucket rate limiting algorithm.
// Tokens refill at a fixed rate up to the bucket capacity; each allowed
// request consumes its cost in tokens. Rejected requests consume nothing.
// Call Close when done to stop the background cleanup goroutine.
type TokenBucketLimiter struct {
	store    store.Store
	rate     float64 // tokens per second
	capacity int
	logger   observability.Logger

	// Per-key state for local rate limiting.
	buckets sync.Map

	cleanupInterval time.Duration
	bucketTTL       time.Duration
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
}

// bucket holds token state for a single key.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucketLimiter creates a token bucket limiter. A nil store keeps
// all state in process memory; a non-nil store shares counters across
// instances. Stale per-key buckets are collected in the background.
func NewTokenBucketLimiter(s store.Store, rate float64, capacity int, logger observability.Logger) *TokenBucketLimiter {
	return NewTokenBucketLimiterWithTTL(s, rate, capacity, 5*time.Minute, 10*time.Minute, logger)
}

// NewTokenBucketLimiterWithTTL creates a token bucket limiter with custom
// bucket TTL settings.
func NewTokenBucketLimiterWithTTL(
	s store.Store,
	rate float64,
	capacity int,
	cleanupInterval, bucketTTL time.Duration,
	logger observability.Logger,
) *TokenBucketLimiter {
	if logger == nil {
		logger = observability.NopLogger()
	}

	l := &TokenBucketLimiter{
		store:           s,
		rate:            rate,
		capacity:        capacity,
		logger:          logger,
		cleanupInterval: cleanupInterval,
		bucketTTL:       bucketTTL,
		stopCleanup:     make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

func (l *TokenBucketLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup(l.bucketTTL)
		case <-l.stopCleanup:
			return
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple
// times.
func (l *TokenBucketLimiter) Close() error {
	l.cleanupOnce.Do(func() {
		close(l.stopCleanup)
	})
	return nil
}

// Allow implements Limiter.
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN implements Limiter.
func (l *TokenBucketLimiter) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if l.store == nil {
		return l.allowLocal(key, n)
	}

	return l.allowDistributed(ctx, key, n)
}

// allowLocal performs rate limiting against in-memory buckets.
func (l *TokenBucketLimiter) allowLocal(key string, n int) (*Result, error) {
	now := time.Now()

	value, _ := l.buckets.LoadOrStore(key, &bucket{
		tokens:     float64(l.capacity),
		lastRefill: now,
	})
	b := value.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > float64(l.capacity) {
		b.tokens = float64(l.capacity)
	}
	b.lastRefill = now

	allowed := b.tokens >= float64(n)
	if allowed {
		b.tokens -= float64(n)
	}

	return l.buildResult(allowed, b.tokens, n), nil
}

// allowDistributed performs rate limiting against the shared counter
// store, holding tokens and the last refill time as separate keys.
func (l *TokenBucketLimiter) allowDistributed(ctx context.Context, key string, n int) (*Result, error) {
	now := time.Now()
	nowMs := now.UnixMilli()

	stateKey := "tb:" + key
	tokens := float64(l.capacity)
	lastRefill := nowMs

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Tokens are stored in millitokens for precision.
	currentTokens, err := l.store.Get(ctx, stateKey+":tokens")
	if err == nil {
		tokens = float64(currentTokens) / 1000.0
	} else if !store.IsKeyNotFound(err) {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lastRefillVal, err := l.store.Get(ctx, stateKey+":time")
	if err == nil {
		lastRefill = lastRefillVal
	} else if !store.IsKeyNotFound(err) {
		return nil, err
	}

	elapsed := float64(nowMs-lastRefill) / 1000.0
	tokens += elapsed * l.rate
	if tokens > float64(l.capacity) {
		tokens = float64(l.capacity)
	}

	allowed := tokens >= float64(n)
	if allowed {
		tokens -= float64(n)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	expiration := time.Duration(float64(l.capacity)/l.rate+1) * time.Second
	if err := l.store.Set(ctx, stateKey+":tokens", int64(tokens*1000), expiration); err != nil {
		l.logger.Warn("failed to store tokens", observability.Error(err))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := l.store.Set(ctx, stateKey+":time", nowMs, expiration); err != nil {
		l.logger.Warn("failed to store refill time", observability.Error(err))
	}

	return l.buildResult(allowed, tokens, n), nil
}

func (l *TokenBucketLimiter) buildResult(allowed bool, tokens float64, n int) *Result {
	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}

	// Time until the bucket is full again.
	tokensNeeded := float64(l.capacity) - tokens
	resetAfter := time.Duration(tokensNeeded / l.rate * float64(time.Second))

	var retryAfter time.Duration
	if !allowed {
		needed := float64(n) - tokens
		retryAfter = time.Duration(needed / l.rate * float64(time.Second))
	}

	return &Result{
		Allowed:    allowed,
		Limit:      l.capacity,
		Remaining:  remaining,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}
}

// Limit implements Limiter.
func (l *TokenBucketLimiter) Limit() Limit {
	return Limit{
		Requests: int(l.rate),
		Window:   time.Second,
		Burst:    l.capacity,
	}
}

// Reset implements Limiter.
func (l *TokenBucketLimiter) Reset(ctx context.Context, key string) error {
	l.buckets.Delete(key)

	if l.store != nil {
		stateKey := "tb:" + key
		if err := l.store.Delete(ctx, stateKey+":tokens"); err != nil {
			return err
		}
		if err := l.store.Delete(ctx, stateKey+":time"); err != nil {
			return err
		}
	}

	return nil
}

// Cleanup removes buckets not touched within maxAge.
func (l *TokenBucketLimiter) Cleanup(maxAge time.Duration) {
	now := time.Now()

	l.buckets.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.Lock()
		if now.Sub(b.lastRefill) > maxAge {
			l.buckets.Delete(key)
		}
		b.mu.Unlock()
		return true
	})
}
