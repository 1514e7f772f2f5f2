package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const (
	// DefaultShardCount is the number of shards for reduced lock contention.
	// Must be a power of 2 for fast modulo via bitwise AND.
	DefaultShardCount = 16

	// shardMask is used for fast shard selection (DefaultShardCount - 1).
	shardMask = DefaultShardCount - 1
)

// Hasher is a function that computes a hash for a key.
// Used by Sharded for shard selection.
type Hasher[K any] func(K) uint64

// StringHasher computes FNV-1a hash of a string key.
func StringHasher(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s)) // fnv.Write never returns an error
	return h.Sum64()
}

// Uint64Hasher returns the key itself as the hash (identity hash).
func Uint64Hasher(u uint64) uint64 {
	return u
}

// Sharded is a thread-safe, sharded map that never evicts.
//
// It is meant for interning: once a value is stored for a key, every later
// lookup of that key returns the same value for the lifetime of the map.
// Values that must stay canonical (pointer-identical) cannot live in an
// evicting cache, so there is no capacity and no LRU.
//
// Features:
//   - 16 shards for reduced lock contention
//   - Read-locked fast path on hit
//   - Atomic statistics for monitoring
type Sharded[K comparable, V any] struct {
	shards [DefaultShardCount]*shard[K, V]
	hasher Hasher[K]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// shard is a single shard of the map with its own lock.
type shard[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

// Stats holds intern map statistics.
type Stats struct {
	// Len is the number of stored entries.
	Len int

	// Hits is the number of lookups that found an existing entry.
	Hits uint64

	// Misses is the number of lookups that had to create an entry.
	Misses uint64
}

// NewSharded creates an empty sharded map using hasher for shard selection.
// Use StringHasher or Uint64Hasher for common key types.
func NewSharded[K comparable, V any](hasher Hasher[K]) *Sharded[K, V] {
	c := &Sharded[K, V]{hasher: hasher}
	for i := range c.shards {
		c.shards[i] = &shard[K, V]{entries: make(map[K]V)}
	}
	return c
}

func (c *Sharded[K, V]) getShard(key K) *shard[K, V] {
	return c.shards[c.hasher(key)&shardMask]
}

// Get returns the value stored for key.
func (c *Sharded[K, V]) Get(key K) (V, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	v, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		c.hits.Add(1)
	}
	return v, ok
}

// GetOrCreate returns the stored value for key, or stores and returns the
// result of create. Concurrent callers racing on the same key all receive the
// value of the single create call that won.
//
// The create function is called with the shard lock held. Keep it fast and
// never call back into the same map from it.
func (c *Sharded[K, V]) GetOrCreate(key K, create func() V) V {
	s := c.getShard(key)

	s.mu.RLock()
	v, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return v
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check after acquiring write lock
	if v, ok := s.entries[key]; ok {
		c.hits.Add(1)
		return v
	}
	c.misses.Add(1)
	v = create()
	s.entries[key] = v
	return v
}

// Len returns the total number of entries across all shards.
func (c *Sharded[K, V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}

// Stats returns current statistics.
func (c *Sharded[K, V]) Stats() Stats {
	return Stats{
		Len:    c.Len(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}
