package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nekobot/gatekeeper/internal/metrics"
	"github.com/nekobot/gatekeeper/internal/storage"
)

// entityCache holds immutable snapshots of one entity kind. Mutations swap
// whole values under the lock; readers never observe a torn update. A miss
// is remembered as a negative entry so repeated lookups for an absent key
// touch storage at most once per negative-TTL window.
type entityCache[K comparable, V any] struct {
	kind     storage.Kind
	negTTL   time.Duration
	now      func() time.Time
	loadAll  func() (map[K]V, error)
	fetchOne func(K) (*V, error) // nil when the kind has no single-key fallback

	mu       sync.RWMutex
	entries  map[K]V
	negative map[K]time.Time // key -> negative entry expiry

	ready     chan struct{}
	readyOnce sync.Once

	log zerolog.Logger
}

func newEntityCache[K comparable, V any](
	kind storage.Kind,
	negTTL time.Duration,
	loadAll func() (map[K]V, error),
	fetchOne func(K) (*V, error),
	log zerolog.Logger,
) *entityCache[K, V] {
	return &entityCache[K, V]{
		kind:     kind,
		negTTL:   negTTL,
		now:      time.Now,
		loadAll:  loadAll,
		fetchOne: fetchOne,
		entries:  make(map[K]V),
		negative: make(map[K]time.Time),
		ready:    make(chan struct{}),
		log:      log.With().Str("cache", string(kind)).Logger(),
	}
}

// Refresh reloads the full entity set from storage and swaps it in. The
// first successful refresh releases the startup barrier.
func (c *entityCache[K, V]) Refresh() error {
	m, err := c.loadAll()
	if err != nil {
		metrics.CacheRefreshTotal.WithLabelValues(string(c.kind), "error").Inc()
		return err
	}
	c.mu.Lock()
	c.entries = m
	c.negative = make(map[K]time.Time)
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
	metrics.CacheRefreshTotal.WithLabelValues(string(c.kind), "ok").Inc()
	metrics.CacheEntries.WithLabelValues(string(c.kind)).Set(float64(len(m)))
	return nil
}

// Get returns the snapshot for key, blocking until the initial load has
// completed. A (nil, nil) return means "known absent".
func (c *entityCache[K, V]) Get(ctx context.Context, key K) (*V, error) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.RLock()
	if v, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		return &v, nil
	}
	until, neg := c.negative[key]
	c.mu.RUnlock()

	if neg && c.now().Before(until) {
		return nil, nil
	}
	if c.fetchOne == nil {
		c.markNegative(key)
		return nil, nil
	}

	metrics.StorageFallbacks.WithLabelValues(string(c.kind)).Inc()
	v, err := c.fetchOne(key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		c.markNegative(key)
		return nil, nil
	}
	c.Upsert(key, *v)
	return v, nil
}

// GetIfReady is the non-blocking variant. ok is false until the initial
// load completes; a ready miss returns (nil, true) without touching
// storage.
func (c *entityCache[K, V]) GetIfReady(key K) (v *V, ok bool) {
	select {
	case <-c.ready:
	default:
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, found := c.entries[key]; found {
		return &e, true
	}
	return nil, true
}

// Upsert replaces the snapshot for key and clears any negative entry.
func (c *entityCache[K, V]) Upsert(key K, v V) {
	c.mu.Lock()
	c.entries[key] = v
	delete(c.negative, key)
	size := len(c.entries)
	c.mu.Unlock()
	metrics.CacheEntries.WithLabelValues(string(c.kind)).Set(float64(size))
}

// Remove evicts the snapshot for key and clears any negative entry.
func (c *entityCache[K, V]) Remove(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	delete(c.negative, key)
	size := len(c.entries)
	c.mu.Unlock()
	metrics.CacheEntries.WithLabelValues(string(c.kind)).Set(float64(size))
}

// forEach visits every cached snapshot under the read lock.
func (c *entityCache[K, V]) forEach(fn func(K, V)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.entries {
		fn(k, v)
	}
}

func (c *entityCache[K, V]) markNegative(key K) {
	c.mu.Lock()
	c.negative[key] = c.now().Add(c.negTTL)
	c.mu.Unlock()
}

// Ready reports whether the initial load has completed.
func (c *entityCache[K, V]) Ready() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// Len returns the current snapshot count.
func (c *entityCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
