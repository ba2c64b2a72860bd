package fee

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores the latest fees per chain.
type Cache interface {
	Get(ctx context.Context, chain string) (Fees, bool, error)
	Set(ctx context.Context, chain string, fees Fees, ttl time.Duration) error
}

type memoryEntry struct {
	fees    Fees
	expires time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, chain string) (Fees, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[chain]
	if !ok {
		return Fees{}, false, nil
	}
	if !c.now().Before(entry.expires) {
		delete(c.entries, chain)
		return Fees{}, false, nil
	}
	return entry.fees.Copy(), true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, chain string, fees Fees, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[chain] = memoryEntry{fees: fees.Copy(), expires: c.now().Add(ttl)}
	return nil
}

// RedisCache shares fee estimates between relayer replicas.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache stores entries under prefix+chain.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "superdao:fees:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, chain string) (Fees, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+chain).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Fees{}, false, nil
		}
		return Fees{}, false, err
	}
	var fees Fees
	if err := json.Unmarshal(raw, &fees); err != nil {
		return Fees{}, false, err
	}
	return fees, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, chain string, fees Fees, ttl time.Duration) error {
	raw, err := json.Marshal(fees)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+chain, raw, ttl).Err()
}
