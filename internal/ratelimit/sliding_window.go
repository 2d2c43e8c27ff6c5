package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/ratelimit/store"
)

// SlidingWindowLimiter implements the sliding window rate limiting
// algorithm. It tracks timestamps of accepted events in the trailing
// window, pruning expired ones lazily, which avoids the boundary burst
// a fixed window allows.
type SlidingWindowLimiter struct {
	store     store.Store
	limit     int
	window    time.Duration
	precision int // number of sub-windows for the distributed counter
	logger    observability.Logger

	// Per-key state for local rate limiting.
	windows sync.Map
}

// windowState holds accepted-event timestamps for a single key.
type windowState struct {
	events []time.Time
	mu     sync.Mutex
}

// NewSlidingWindowLimiter creates a sliding window limiter. A nil store
// keeps all state in process memory.
func NewSlidingWindowLimiter(s store.Store, limit int, window time.Duration, logger observability.Logger) *SlidingWindowLimiter {
	return NewSlidingWindowLimiterWithPrecision(s, limit, window, 10, logger)
}

// NewSlidingWindowLimiterWithPrecision creates a sliding window limiter
// with a custom sub-window count for the distributed counter.
func NewSlidingWindowLimiterWithPrecision(
	s store.Store,
	limit int,
	window time.Duration,
	precision int,
	logger observability.Logger,
) *SlidingWindowLimiter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if precision < 1 {
		precision = 10
	}

	return &SlidingWindowLimiter{
		store:     s,
		limit:     limit,
		window:    window,
		precision: precision,
		logger:    logger,
	}
}

// Allow implements Limiter.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN implements Limiter.
func (l *SlidingWindowLimiter) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	if l.store == nil {
		return l.allowLocal(key, n)
	}

	return l.allowDistributed(ctx, key, n)
}

// allowLocal performs rate limiting against in-memory event timestamps.
func (l *SlidingWindowLimiter) allowLocal(key string, n int) (*Result, error) {
	now := time.Now()

	value, _ := l.windows.LoadOrStore(key, &windowState{})
	ws := value.(*windowState)

	ws.mu.Lock()
	defer ws.mu.Unlock()

	l.prune(ws, now)

	count := len(ws.events)
	allowed := count+n <= l.limit
	if allowed {
		for i := 0; i < n; i++ {
			ws.events = append(ws.events, now)
		}
		count += n
	}

	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}

	return &Result{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: l.resetAfter(ws, now),
		RetryAfter: l.retryAfter(ws, now, count, n, allowed),
	}, nil
}

// prune drops events that have left the trailing window.
func (l *SlidingWindowLimiter) prune(ws *windowState, now time.Time) {
	windowStart := now.Add(-l.window)
	valid := ws.events[:0]
	for _, t := range ws.events {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	ws.events = valid
}

// resetAfter is the time until the oldest event leaves the window.
func (l *SlidingWindowLimiter) resetAfter(ws *windowState, now time.Time) time.Duration {
	if len(ws.events) == 0 {
		return l.window
	}

	reset := ws.events[0].Add(l.window).Sub(now)
	if reset < 0 {
		reset = 0
	}
	return reset
}

// retryAfter is the time until enough events expire for a request of
// cost n to be admitted.
func (l *SlidingWindowLimiter) retryAfter(ws *windowState, now time.Time, count, n int, allowed bool) time.Duration {
	if allowed || len(ws.events) == 0 {
		return 0
	}

	excess := count + n - l.limit
	if excess <= 0 || excess > len(ws.events) {
		return 0
	}

	retry := ws.events[excess-1].Add(l.window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return retry
}

// allowDistributed approximates the sliding window with per-sub-window
// counters in the shared store.
func (l *SlidingWindowLimiter) allowDistributed(ctx context.Context, key string, n int) (*Result, error) {
	now := time.Now()
	nowMs := now.UnixMilli()
	windowMs := l.window.Milliseconds()

	subWindowSize := windowMs / int64(l.precision)
	if subWindowSize < 1 {
		subWindowSize = 1
	}
	currentSubWindow := nowMs / subWindowSize

	totalCount := int64(0)
	for i := 0; i < l.precision; i++ {
		subWindowKey := key + ":sw:" + strconv.FormatInt(currentSubWindow-int64(i), 10)
		count, err := l.store.Get(ctx, subWindowKey)
		if err != nil && !store.IsKeyNotFound(err) {
			return nil, err
		}
		totalCount += count
	}

	allowed := int(totalCount)+n <= l.limit
	if allowed {
		currentKey := key + ":sw:" + strconv.FormatInt(currentSubWindow, 10)
		expiration := l.window + time.Duration(subWindowSize)*time.Millisecond
		if _, err := l.store.IncrementWithExpiry(ctx, currentKey, int64(n), expiration); err != nil {
			l.logger.Warn("failed to increment window counter", observability.Error(err))
		}
		totalCount += int64(n)
	}

	remaining := l.limit - int(totalCount)
	if remaining < 0 {
		remaining = 0
	}

	var retryAfter time.Duration
	if !allowed {
		// Approximate: the oldest sub-window expires next.
		retryAfter = time.Duration(subWindowSize) * time.Millisecond
	}

	return &Result{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: l.window,
		RetryAfter: retryAfter,
	}, nil
}

// Limit implements Limiter.
func (l *SlidingWindowLimiter) Limit() Limit {
	return Limit{
		Requests: l.limit,
		Window:   l.window,
		Burst:    l.limit,
	}
}

// Reset implements Limiter.
func (l *SlidingWindowLimiter) Reset(ctx context.Context, key string) error {
	l.windows.Delete(key)

	if l.store != nil {
		nowMs := time.Now().UnixMilli()
		windowMs := l.window.Milliseconds()
		subWindowSize := windowMs / int64(l.precision)
		if subWindowSize < 1 {
			subWindowSize = 1
		}
		currentSubWindow := nowMs / subWindowSize

		for i := 0; i < l.precision; i++ {
			subWindowKey := key + ":sw:" + strconv.FormatInt(currentSubWindow-int64(i), 10)
			if err := l.store.Delete(ctx, subWindowKey); err != nil {
				l.logger.Warn("failed to delete window counter", observability.Error(err))
			}
		}
	}

	return nil
}

// Cleanup removes window states whose events have all expired.
func (l *SlidingWindowLimiter) Cleanup(maxAge time.Duration) {
	windowStart := time.Now().Add(-maxAge)

	l.windows.Range(func(key, value interface{}) bool {
		ws := value.(*windowState)
		ws.mu.Lock()

		stale := true
		for _, t := range ws.events {
			if t.After(windowStart) {
				stale = false
				break
			}
		}

		if stale {
			l.windows.Delete(key)
		}

		ws.mu.Unlock()
		return true
	})
}
