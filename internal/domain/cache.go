package domain

import (
	"context"
	"time"
)

// Cache is a tenant-scoped byte store with expiry. It backs the resolution
// cache: keys are derived from (setting, context) and values are encoded
// resolutions. Get reports a miss as nil, nil.
type Cache interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string, key string) error

	// DeletePrefix drops every key of the tenant starting with prefix.
	// Setting updates invalidate through it.
	DeletePrefix(ctx context.Context, tenantID string, prefix string) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects and tunes the cache backend.
type CacheConfig struct {
	// Type is "memory" (in-process LRU) or "redis".
	Type string `json:"type" yaml:"type"`

	// In-process LRU; also L1 of the two-phase cache.
	LocalMaxSize int           `json:"localMaxSize" yaml:"local_max_size"`
	LocalTTL     time.Duration `json:"localTTL" yaml:"local_ttl"`

	RedisAddr      string `json:"redisAddr" yaml:"redis_addr"`
	RedisPassword  string `json:"-" yaml:"redis_password"`
	RedisDB        int    `json:"redisDb" yaml:"redis_db"`
	RedisPoolSize  int    `json:"redisPoolSize" yaml:"redis_pool_size"`
	RedisNamespace string `json:"redisNamespace" yaml:"redis_namespace"`

	// EnableTwoPhase puts the LRU in front of Redis.
	EnableTwoPhase bool `json:"enableTwoPhase" yaml:"enable_two_phase"`
}
