package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/commhub/communication-server/internal/models"
)

// KeyPrefix namespaces directory cache keys.
const KeyPrefix = "tenant_db_info:"

// DefaultTTL is how long resolved tenant metadata may be reused.
const DefaultTTL = 2000 * time.Second

// Cache stores resolved tenant records. Cached records hold the password
// as ciphertext only.
type Cache interface {
	Get(ctx context.Context, key string) (*models.TenantRecord, bool, error)
	Set(ctx context.Context, key string, rec *models.TenantRecord, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// CacheEntry is a cached value with its expiry.
type CacheEntry[T any] struct {
	Value     T
	ExpiresAt time.Time
}

// expired reports whether the entry is stale at now.
func (e *CacheEntry[T]) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// MemoryCache is an in-process TTL cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*CacheEntry[models.TenantRecord]
	now     func() time.Time
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]*CacheEntry[models.TenantRecord]),
		now:     time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

// Get implements Cache. It returns a copy of the stored record.
func (c *MemoryCache) Get(_ context.Context, key string) (*models.TenantRecord, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || e.expired(c.now()) {
		return nil, false, nil
	}
	rec := e.Value
	return &rec, true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, rec *models.TenantRecord, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[key] = &CacheEntry[models.TenantRecord]{Value: *rec, ExpiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete implements Cache.
func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.mu.Unlock()
	return nil
}

// Cleanup drops expired entries and returns how many were removed.
func (c *MemoryCache) Cleanup() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (c *MemoryCache) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Cleanup()
			}
		}
	}()
}

// redisRecord carries the ciphertext the model hides from JSON.
type redisRecord struct {
	Record   *models.TenantRecord `json:"record"`
	Password string               `json:"password"`
}

// RedisCache shares resolved records between instances.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps a go-redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (*models.TenantRecord, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var v redisRecord
	if err := json.Unmarshal(data, &v); err != nil || v.Record == nil {
		// treat a corrupt entry as a miss; the next Set overwrites it
		return nil, false, nil
	}
	v.Record.DBPassword = v.Password
	return v.Record, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, rec *models.TenantRecord, ttl time.Duration) error {
	data, err := json.Marshal(redisRecord{Record: rec, Password: rec.DBPassword})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete implements Cache.
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
