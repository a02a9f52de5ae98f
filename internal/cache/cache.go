package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/surveil/internal/domain"
	"github.com/sony/gobreaker"
)

// New builds the cache named by cfg.Type. "memory" is the in-process LRU;
// "redis" is Redis alone, or LRU in front of Redis with EnableTwoPhase.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil
	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg)
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

const (
	// breakerFailures consecutive L2 failures open the breaker.
	breakerFailures = 5
	// breakerCooldown is how long an open breaker waits before probing L2.
	breakerCooldown = 30 * time.Second

	defaultL1TTL = 30 * time.Second
)

// TwoPhaseCache serves reads from a local LRU (L1) and falls back to a
// shared store (L2) guarded by a circuit breaker.
//
// While the breaker is open the cache degrades to L1 only. Resolution is
// a pure function of its inputs, so an L2 outage costs hit rate, never
// correctness. Invalidation is the exception: DeletePrefix reports L2
// failures so callers know stale entries may linger until their TTL.
type TwoPhaseCache struct {
	local   *LRUCache
	remote  domain.Cache
	breaker *gobreaker.CircuitBreaker
	l1TTL   time.Duration
}

// NewTwoPhaseCache connects to Redis and puts an LRU in front of it.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	return newTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
}

func newTwoPhaseCache(local *LRUCache, remote domain.Cache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = defaultL1TTL
	}
	return &TwoPhaseCache{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "resolution-cache-l2",
			Timeout: breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("cache breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
	}
}

// remoteDo runs fn against L2 through the breaker.
func (c *TwoPhaseCache) remoteDo(fn func() error) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// Get reads L1, then L2, copying an L2 hit into L1. An unavailable L2
// reads as a miss.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if val, err := c.local.Get(ctx, tenantID, key); err != nil || val != nil {
		return val, err
	}

	var val []byte
	err := c.remoteDo(func() (err error) {
		val, err = c.remote.Get(ctx, tenantID, key)
		return err
	})
	switch {
	case degraded(err):
		return nil, nil
	case err != nil:
		return nil, err
	}

	if val != nil {
		_ = c.local.Set(ctx, tenantID, key, val, c.l1TTL)
	}
	return val, nil
}

// Set writes both tiers; L1 keeps the entry for at most its own TTL.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, tenantID, key, value, min(ttl, c.l1TTL)); err != nil {
		return err
	}
	err := c.remoteDo(func() error {
		return c.remote.Set(ctx, tenantID, key, value, ttl)
	})
	if degraded(err) {
		return nil
	}
	return err
}

// Delete removes key from both tiers.
func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.local.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	return c.remoteDo(func() error {
		return c.remote.Delete(ctx, tenantID, key)
	})
}

// DeletePrefix invalidates matching keys in both tiers.
func (c *TwoPhaseCache) DeletePrefix(ctx context.Context, tenantID string, prefix string) error {
	if err := c.local.DeletePrefix(ctx, tenantID, prefix); err != nil {
		return err
	}
	return c.remoteDo(func() error {
		return c.remote.DeletePrefix(ctx, tenantID, prefix)
	})
}

// Ping reports L2 reachability; L1 is always available.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close drops L1 and closes L2.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 statistics.
func (c *TwoPhaseCache) Stats() Stats {
	return c.local.Stats()
}

// BreakerState reports the L2 circuit breaker state.
func (c *TwoPhaseCache) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// degraded reports whether err means the breaker refused the call.
func degraded(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
