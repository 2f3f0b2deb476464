// Package hotcache keeps the most recent closed bars per (symbol, interval)
// in Redis so status handlers and the feature engine can read them without
// touching Postgres on every tick.
package hotcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/quantpond/driftline/internal/domain"
)

const keyPrefix = "driftline:candles:"

// Cache is a thin JSON-over-Redis layer. A miss is not an error.
type Cache struct {
	client *redis.Client
	ttl    time.Duration

	hits   int64
	misses int64
}

// Stats is a point-in-time read of the hit/miss counters.
type Stats struct {
	Hits   int64   `json:"hits"`
	Misses int64   `json:"misses"`
	Rate   float64 `json:"hit_rate"`
}

// New connects to Redis and verifies the connection before returning.
func New(addr, password string, db int, ttl time.Duration) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:               addr,
		Password:           password,
		DB:                 db,
		PoolSize:           10,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		PoolTimeout:        4 * time.Second,
		IdleTimeout:        5 * time.Minute,
		IdleCheckFrequency: 1 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: rdb, ttl: ttl}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

func buildKey(symbol, interval string) string {
	return keyPrefix + symbol + ":" + interval
}

// PutRecent replaces the cached window for (symbol, interval).
func (c *Cache) PutRecent(ctx context.Context, symbol, interval string, candles []domain.Candle) error {
	data, err := json.Marshal(candles)
	if err != nil {
		return fmt.Errorf("marshal candles: %w", err)
	}

	if err := c.client.Set(ctx, buildKey(symbol, interval), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Recent returns the cached window, reporting found=false on a miss.
func (c *Cache) Recent(ctx context.Context, symbol, interval string) ([]domain.Candle, bool, error) {
	val, err := c.client.Get(ctx, buildKey(symbol, interval)).Result()
	if err != nil {
		if err == redis.Nil {
			atomic.AddInt64(&c.misses, 1)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var candles []domain.Candle
	if err := json.Unmarshal([]byte(val), &candles); err != nil {
		return nil, false, fmt.Errorf("unmarshal candles: %w", err)
	}

	atomic.AddInt64(&c.hits, 1)
	return candles, true, nil
}

// Invalidate drops the cached window for (symbol, interval).
func (c *Cache) Invalidate(ctx context.Context, symbol, interval string) error {
	if err := c.client.Del(ctx, buildKey(symbol, interval)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Stats reads the counters without resetting them.
func (c *Cache) Stats() Stats {
	h := atomic.LoadInt64(&c.hits)
	m := atomic.LoadInt64(&c.misses)
	s := Stats{Hits: h, Misses: m}
	if h+m > 0 {
		s.Rate = float64(h) / float64(h+m)
	}
	return s
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}
