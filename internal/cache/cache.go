// Package cache provides a small in-memory TTL cache for derived
// results, such as the downstream probe state served by /health.
package cache

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// entry wraps a cached value with its expiration time, allowing a
// per-entry TTL below the eviction TTL of the backing cache.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a typed W-TinyLFU cache with per-entry expiry, backed by otter.
type TTL[V any] struct {
	cache *otter.Cache[string, entry[V]]
}

// New creates a TTL cache holding at most maxSize entries. maxTTL is
// the eviction bound; Set may use any TTL at or below it.
func New[V any](maxSize int, maxTTL time.Duration) (*TTL[V], error) {
	c, err := otter.New[string, entry[V]](&otter.Options[string, entry[V]]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry[V]](maxTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &TTL[V]{cache: c}, nil
}

// Get returns the value for key if present and not expired.
func (t *TTL[V]) Get(key string) (V, bool) {
	e, ok := t.cache.GetIfPresent(key)
	if !ok || time.Now().After(e.expiresAt) {
		t.cache.Invalidate(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores a value for ttl.
func (t *TTL[V]) Set(key string, value V, ttl time.Duration) {
	t.cache.Set(key, entry[V]{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
}

// Delete removes a key.
func (t *TTL[V]) Delete(key string) {
	t.cache.Invalidate(key)
}
