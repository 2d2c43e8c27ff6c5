// Package store provides shared counter backends for distributed rate
// limiting. Counters are keyed strings with an expiry; the memory store
// serves single-node setups and the redis store lets several mesh nodes
// draw from one budget.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrKeyNotFound is returned by Get when the key is absent or expired.
var ErrKeyNotFound = errors.New("key not found")

func keyNotFound(key string) error {
	return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
}

// IsKeyNotFound reports whether err indicates an absent counter key.
func IsKeyNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

// Store is a counter backend used by the distributed limiter paths.
type Store interface {
	// Get returns the current value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (int64, error)

	// Set writes value under key with the given expiration.
	Set(ctx context.Context, key string, value int64, expiration time.Duration) error

	// Increment adds delta to the counter and returns the new value.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// IncrementWithExpiry adds delta and arms the expiration when the
	// key is created by this call. The add and the expiry are atomic.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error)

	// Delete removes the counter.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
