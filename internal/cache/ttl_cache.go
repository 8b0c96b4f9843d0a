package cache

import (
	"sync"
	"time"

	"github.com/phraiz/phraiz/internal/clock"
)

// Cache is a process-local key/value store with per-entry expiry.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	// Update applies fn under the cache lock. ttl is only used when the key is
	// absent or expired; live entries keep their deadline.
	Update(key K, ttl time.Duration, fn func(current V, ok bool) V) V
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[K comparable, V any] struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[K]entry[V]
}

func NewTTLCache[K comparable, V any]() Cache[K, V] {
	return NewTTLCacheWithClock[K, V](clock.New())
}

func NewTTLCacheWithClock[K comparable, V any](c clock.Clock) Cache[K, V] {
	return &ttlCache[K, V]{
		clock:   c,
		entries: make(map[K]entry[V]),
	}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.clock.Now().Add(ttl)}
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *ttlCache[K, V]) Update(key K, ttl time.Duration, fn func(current V, ok bool) V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.liveLocked(key)
	next := fn(current, ok)
	expiresAt := c.clock.Now().Add(ttl)
	if ok {
		expiresAt = c.entries[key].expiresAt
	}
	c.entries[key] = entry[V]{value: next, expiresAt: expiresAt}
	return next
}

func (c *ttlCache[K, V]) liveLocked(key K) (V, bool) {
	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		return zero, false
	}
	return e.value, true
}
