package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/surveil/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache on Redis. It is the shared L2 of the
// two-phase cache, so resolutions computed on one node serve all of them.
//
// Keys are laid out as <namespace>:{<tenant>}:<key>. The hash tag pins a
// tenant's keys to one cluster slot.
type RedisCache struct {
	client    *redis.Client
	namespace string
}

const (
	scanBatch        = 256
	defaultNamespace = "surveil"
	connectTimeout   = 5 * time.Second
)

// NewRedisCache connects to the Redis server in cfg.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	namespace := cfg.RedisNamespace
	if namespace == "" {
		namespace = defaultNamespace
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		DialTimeout:  connectTimeout,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisCache{client: client, namespace: namespace}, nil
}

// Get returns the value for key, or nil on a miss.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	val, err := c.client.Get(ctx, c.key(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

// Set stores value with ttl. A non-positive ttl stores nothing.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	if ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, c.key(tenantID, key), value, ttl).Err()
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	return c.client.Unlink(ctx, c.key(tenantID, key)).Err()
}

// DeletePrefix removes the tenant's keys starting with prefix. Keys are
// walked with SCAN and reclaimed with UNLINK, so neither blocks the server.
func (c *RedisCache) DeletePrefix(ctx context.Context, tenantID string, prefix string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	iter := c.client.Scan(ctx, 0, c.key(tenantID, prefix)+"*", scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := c.client.Unlink(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return c.client.Unlink(ctx, batch...).Err()
	}
	return nil
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) key(tenantID, key string) string {
	return c.namespace + ":{" + tenantID + "}:" + key
}
