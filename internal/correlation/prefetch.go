package correlation

import (
	"sync"
	"sync/atomic"
)

// DefaultCacheSize is the default number of prefetched values kept.
const DefaultCacheSize = 1024

// CacheStats are the prefetch cache counters.
type CacheStats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Warms     uint64 `json:"warms"`
	Stale     uint64 `json:"stale"`
	Evictions uint64 `json:"evictions"`
}

// PrefetchCache is a bounded hot tier of values warmed ahead of reads.
// Entries are evicted in insertion order.
//
// Writers call Invalidate after every mutation. Warm takes the epoch the
// prefetcher observed before it read the value and is rejected if any
// invalidation happened since, so a slow prefetch never reinstalls a value
// that was overwritten while it was in flight.
type PrefetchCache struct {
	capacity int

	mu    sync.Mutex
	items map[string][]byte
	order []string // FIFO of keys in items, oldest first
	epoch uint64

	hits, misses, warms, stale, evictions atomic.Uint64
}

// NewPrefetchCache returns a cache holding up to capacity values. A zero
// capacity disables the cache.
func NewPrefetchCache(capacity int) *PrefetchCache {
	if capacity < 0 {
		capacity = 0
	}
	return &PrefetchCache{
		capacity: capacity,
		items:    make(map[string][]byte, capacity),
	}
}

// Epoch returns the current invalidation epoch.
func (c *PrefetchCache) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Get returns a copy of the cached value of key.
func (c *PrefetchCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	v, ok := c.items[key]
	c.mu.Unlock()
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return append([]byte{}, v...), true
}

// Warm caches value under key unless the cache was invalidated after epoch.
// It reports whether the value was stored.
func (c *PrefetchCache) Warm(key string, value []byte, epoch uint64) bool {
	if c.capacity == 0 {
		return false
	}
	v := append([]byte{}, value...)

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		c.stale.Add(1)
		return false
	}
	if _, ok := c.items[key]; !ok {
		for len(c.order) >= c.capacity {
			delete(c.items, c.order[0])
			c.order = c.order[1:]
			c.evictions.Add(1)
		}
		c.order = append(c.order, key)
	}
	c.items[key] = v
	c.warms.Add(1)
	return true
}

// Invalidate drops key and starts a new epoch.
func (c *PrefetchCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	if _, ok := c.items[key]; !ok {
		return
	}
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of cached values.
func (c *PrefetchCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns the cache counters.
func (c *PrefetchCache) Stats() CacheStats {
	return CacheStats{
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Warms:     c.warms.Load(),
		Stale:     c.stale.Load(),
		Evictions: c.evictions.Load(),
	}
}
