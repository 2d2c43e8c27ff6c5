// Package cache provides a generic in-memory TTL cache used for registry
// lookups and other short-lived, bounded caching needs of the mesh.
package cache

import (
	"errors"
	"time"
)

// ErrCacheMiss indicates that the key was not found or has expired.
var ErrCacheMiss = errors.New("cache miss")

// Stats contains cache statistics.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int64
}

// HitRate returns the cache hit rate as a value between 0 and 1.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Options configures a TTL cache.
type Options struct {
	// MaxEntries bounds the cache size; the least recently used entry is
	// evicted when the bound is exceeded. Zero means 10000.
	MaxEntries int

	// DefaultTTL applies when Set is called with a zero TTL.
	DefaultTTL time.Duration

	// SweepInterval is how often the background sweep removes expired
	// entries that are never read again. Zero means one minute.
	SweepInterval time.Duration

	// Name labels this cache instance in metrics and traces.
	Name string
}
