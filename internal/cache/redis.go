// Package cache provides a Redis read-through cache for the catalog lookups
// the scheduler warms every 10 minutes (§4.G) and that hot request paths
// would otherwise hit the catalog store for on every call. Adapted from the
// teacher's fabric.RedisClient/infra.GoRedisAdapter split: a minimal
// interface the domain packages depend on, backed by a concrete go-redis
// adapter wired in main.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the minimal surface cache.Warmer needs; any Redis library can
// satisfy it without the domain package importing go-redis directly.
type Client interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// RedisAdapter wraps go-redis v9 to implement Client.
type RedisAdapter struct {
	rdb *redis.Client
}

func NewRedisAdapter(addr, password string, db int) (*RedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return &RedisAdapter{rdb: rdb}, nil
}

func (a *RedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *RedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	return val, err
}

func (a *RedisAdapter) Close() error { return a.rdb.Close() }

const warmTTL = 15 * time.Minute

// ActiveProductsKey and ApprovedFirmsKey namespace the cache-warm job's
// output (§4.G: "cache-warm the active-product list per firm and the
// approved-firm list").
func ActiveProductsKey(firmID string) string { return "dispatch:products:active:" + firmID }
func ApprovedFirmsKey() string                { return "dispatch:firms:approved" }

// Warmer writes freshly queried catalog slices into Redis with a bounded
// TTL; a cache miss simply falls through to the catalog store, so a missed
// or stale warm cycle never breaks correctness, only hit rate.
type Warmer struct {
	client Client
}

func NewWarmer(client Client) *Warmer { return &Warmer{client: client} }

func (w *Warmer) WarmActiveProducts(ctx context.Context, firmID string, products interface{}) error {
	return w.set(ctx, ActiveProductsKey(firmID), products)
}

func (w *Warmer) WarmApprovedFirms(ctx context.Context, firms interface{}) error {
	return w.set(ctx, ApprovedFirmsKey(), firms)
}

func (w *Warmer) set(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	return w.client.Set(ctx, key, data, warmTTL)
}
