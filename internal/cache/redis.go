package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aminhq/market-collector/internal/models"
)

// DefaultRedisRetention bounds how long batches live in Redis. It is
// deliberately much larger than any sensible staleness threshold: stale
// entries must stay readable so the collector can degrade to old data.
const DefaultRedisRetention = 24 * time.Hour

// RedisCache stores batches in Redis as JSON, keyed per (symbol, timeframe,
// exchange). Staleness is computed from the batch's own FetchedAt rather
// than a Redis TTL, so "present but stale" survives until retention expiry.
type RedisCache struct {
	rdb       *redis.Client
	maxAge    time.Duration
	retention time.Duration
	namespace string
	now       func() time.Time
}

// NewRedisCache creates a RedisCache. If retention is 0 it defaults to
// DefaultRedisRetention; if namespace is empty it uses "candles".
func NewRedisCache(rdb *redis.Client, maxAge, retention time.Duration, namespace string) *RedisCache {
	if retention <= 0 {
		retention = DefaultRedisRetention
	}
	if namespace == "" {
		namespace = "candles"
	}
	return &RedisCache{
		rdb:       rdb,
		maxAge:    maxAge,
		retention: retention,
		namespace: namespace,
		now:       time.Now,
	}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key Key) (*Lookup, error) {
	b, err := c.rdb.Get(ctx, c.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var batch models.CandleBatch
	if err := json.Unmarshal(b, &batch); err != nil {
		// Corrupted entry: treat as absent, best-effort delete.
		_ = c.rdb.Del(ctx, c.redisKey(key)).Err()
		return nil, nil
	}

	age := c.now().Sub(batch.FetchedAt)
	return &Lookup{
		Batch: &batch,
		Age:   age,
		Stale: age > c.maxAge,
	}, nil
}

// Put implements Cache.
func (c *RedisCache) Put(ctx context.Context, batch *models.CandleBatch) error {
	b, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	key := Key{Symbol: batch.Symbol, Timeframe: batch.Timeframe, Exchange: batch.Exchange}
	if err := c.rdb.Set(ctx, c.redisKey(key), b, c.retention).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// redisKey namespaces the cache key.
func (c *RedisCache) redisKey(key Key) string {
	return c.namespace + ":" + key.String()
}
