// Package cache holds the short-lived mark price cache shared by supervised positions.
package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const numShards = 16

// ShardedPriceCache maps a venue-scoped symbol key to its last mark price.
// Entries older than the TTL are treated as missing.
type ShardedPriceCache struct {
	shards [numShards]*priceShard
	ttl    time.Duration
	now    func() time.Time
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     decimal.Decimal
	updatedAt time.Time
}

// NewShardedPriceCache creates a cache; ttl <= 0 never expires entries.
func NewShardedPriceCache(ttl time.Duration) *ShardedPriceCache {
	c := &ShardedPriceCache{ttl: ttl, now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{
			items: make(map[string]priceEntry),
		}
	}
	return c
}

// Key scopes a symbol to the endpoint that priced it; testnet and mainnet
// marks differ.
func Key(endpoint, symbol string) string { return endpoint + "|" + symbol }

func (c *ShardedPriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price.
func (c *ShardedPriceCache) Set(key string, price decimal.Decimal) {
	shard := c.getShard(key)
	shard.mu.Lock()
	shard.items[key] = priceEntry{price: price, updatedAt: c.now()}
	shard.mu.Unlock()
}

// Get returns a fresh price.
func (c *ShardedPriceCache) Get(key string) (decimal.Decimal, bool) {
	price, age, ok := c.GetWithAge(key)
	if !ok || (c.ttl > 0 && age > c.ttl) {
		return decimal.Zero, false
	}
	return price, true
}

// GetWithAge retrieves price and its age regardless of TTL.
func (c *ShardedPriceCache) GetWithAge(key string) (decimal.Decimal, time.Duration, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, ok := shard.items[key]
	shard.mu.RUnlock()
	if !ok {
		return decimal.Zero, 0, false
	}
	return entry.price, c.now().Sub(entry.updatedAt), true
}

// Delete removes a key from the cache.
func (c *ShardedPriceCache) Delete(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	delete(shard.items, key)
	shard.mu.Unlock()
}

// Len returns total items across all shards.
func (c *ShardedPriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *ShardedPriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// CacheStats provides cache statistics.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats returns cache statistics.
func (c *ShardedPriceCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for i, shard := range c.shards {
		shard.mu.RLock()
		stats.ShardCounts[i] = len(shard.items)
		stats.TotalItems += len(shard.items)
		for _, entry := range shard.items {
			if oldest.IsZero() || entry.updatedAt.Before(oldest) {
				oldest = entry.updatedAt
			}
		}
		shard.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = c.now().Sub(oldest)
	}
	return stats
}
