// Package cache stores dataset results and other JSON-serialisable values in
// Redis, falling back to an in-process ristretto cache whenever Redis is
// unreachable.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/evalctx"
)

// Observer receives hit/miss notifications per backend ("redis" or "local").
type Observer interface {
	CacheHit(layer string)
	CacheMiss(layer string)
}

type nopObserver struct{}

func (nopObserver) CacheHit(string)  {}
func (nopObserver) CacheMiss(string) {}

const (
	LayerRedis = "redis"
	LayerLocal = "local"
)

type Options struct {
	// Redis is nil when no distributed backend is configured.
	Redis *redis.Options
	// LocalMaxCost bounds the in-process cache, in bytes of stored JSON.
	LocalMaxCost int64
	Observer     Observer
}

type Cache struct {
	remote   *redis.Client
	local    *ristretto.Cache[string, string]
	observer Observer
	l        *slog.Logger
}

// New builds a cache. A Redis backend that fails its initial ping is
// dropped and every operation uses the local cache.
func New(ctx context.Context, opts Options, l *slog.Logger) (*Cache, error) {
	if opts.LocalMaxCost <= 0 {
		opts.LocalMaxCost = 64 << 20
	}
	local, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: 1e5,
		MaxCost:     opts.LocalMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create local cache: %w", err)
	}

	c := &Cache{local: local, observer: opts.Observer, l: l}
	if c.observer == nil {
		c.observer = nopObserver{}
	}

	if opts.Redis != nil {
		client := redis.NewClient(opts.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			l.WarnContext(ctx, "Redis unreachable, using in-process cache", "addr", opts.Redis.Addr, "error", err)
			_ = client.Close()
		} else {
			l.InfoContext(ctx, "Connected to Redis cache", "addr", opts.Redis.Addr)
			c.remote = client
		}
	}
	return c, nil
}

// Distributed reports whether a Redis backend is in use.
func (c *Cache) Distributed() bool {
	return c.remote != nil
}

// Get returns the cached value decoded into context kinds.
func (c *Cache) Get(ctx context.Context, key string) (any, bool) {
	raw, ok := c.getRaw(ctx, key)
	if !ok {
		return nil, false
	}
	v, err := evalctx.ParseJSON([]byte(raw))
	if err != nil {
		c.l.WarnContext(ctx, "Discarding undecodable cache entry", "key", key, "error", err)
		return nil, false
	}
	return v, true
}

func (c *Cache) getRaw(ctx context.Context, key string) (string, bool) {
	if c.remote != nil {
		raw, err := c.remote.Get(ctx, key).Result()
		switch {
		case err == nil:
			c.observer.CacheHit(LayerRedis)
			return raw, true
		case errors.Is(err, redis.Nil):
			c.observer.CacheMiss(LayerRedis)
		default:
			c.l.WarnContext(ctx, "Redis get failed, using in-process cache", "key", key, "error", err)
		}
	}

	raw, ok := c.local.Get(key)
	if ok {
		c.observer.CacheHit(LayerLocal)
	} else {
		c.observer.CacheMiss(LayerLocal)
	}
	return raw, ok
}

// Set stores value for ttl. A zero ttl means no expiry.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value for '%s': %w", key, err)
	}

	if c.remote != nil {
		err := c.remote.Set(ctx, key, data, ttl).Err()
		if err == nil {
			return nil
		}
		c.l.WarnContext(ctx, "Redis set failed, using in-process cache", "key", key, "error", err)
	}

	c.local.SetWithTTL(key, string(data), int64(len(data)), ttl)
	c.local.Wait()
	return nil
}

func (c *Cache) Remove(ctx context.Context, key string) error {
	c.local.Del(key)
	if c.remote != nil {
		if err := c.remote.Del(ctx, key).Err(); err != nil {
			c.l.WarnContext(ctx, "Redis delete failed", "key", key, "error", err)
		}
	}
	return nil
}

func (c *Cache) Exists(ctx context.Context, key string) bool {
	if c.remote != nil {
		n, err := c.remote.Exists(ctx, key).Result()
		if err == nil && n > 0 {
			return true
		}
	}
	_, ok := c.local.Get(key)
	return ok
}

// TTL returns the remaining lifetime of key. ok is false when the key is
// absent or never expires.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, bool) {
	if c.remote != nil {
		d, err := c.remote.TTL(ctx, key).Result()
		if err == nil && d > 0 {
			return d, true
		}
	}
	d, ok := c.local.GetTTL(key)
	return d, ok && d > 0
}

// BuildKey renders {name} references in template from inputs.
func (c *Cache) BuildKey(template string, inputs map[string]any) string {
	return BuildKey(template, inputs)
}

func BuildKey(template string, inputs map[string]any) string {
	return runtime.RenderKey(template, inputs)
}

func (c *Cache) Close() error {
	c.local.Close()
	if c.remote != nil {
		return c.remote.Close()
	}
	return nil
}
