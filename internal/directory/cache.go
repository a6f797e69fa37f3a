package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/dmchat/internal/config"
)

var ErrCacheMiss = errors.New("cache miss")

// NameCache stores resolved display names by user id.
type NameCache interface {
	Get(ctx context.Context, userID string) (string, error)
	Set(ctx context.Context, userID, name string) error
	Close() error
}

// MemoryCache is an in-process NameCache with per-entry expiry.
type MemoryCache struct {
	cache *ttlcache.Cache[string, string]
}

// NewMemoryCache creates a MemoryCache and starts its expiry loop.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	cache := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](ttl),
	)
	go cache.Start()
	return &MemoryCache{cache: cache}
}

func (c *MemoryCache) Get(_ context.Context, userID string) (string, error) {
	item := c.cache.Get(userID, ttlcache.WithDisableTouchOnHit[string, string]())
	if item == nil {
		return "", ErrCacheMiss
	}
	return item.Value(), nil
}

func (c *MemoryCache) Set(_ context.Context, userID, name string) error {
	c.cache.Set(userID, name, ttlcache.DefaultTTL)
	return nil
}

// Close stops the expiry loop.
func (c *MemoryCache) Close() error {
	c.cache.Stop()
	return nil
}

// RedisCache is a NameCache shared between server processes.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redis and verifies the connection.
func NewRedisCache(cfg config.RedisConfig, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, cfg.Prefix, ttl), nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(userID string) string {
	return fmt.Sprintf("%s:id:%s", c.prefix, userID)
}

func (c *RedisCache) Get(ctx context.Context, userID string) (string, error) {
	name, err := c.client.Get(ctx, c.key(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrCacheMiss
		}
		return "", fmt.Errorf("failed to get from redis: %w", err)
	}
	return name, nil
}

func (c *RedisCache) Set(ctx context.Context, userID, name string) error {
	if err := c.client.Set(ctx, c.key(userID), name, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
