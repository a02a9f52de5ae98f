package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/surveil/internal/domain"
	"github.com/sony/gobreaker"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, tenantID, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, tenantID, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, tenantID, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, tenantID, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "expiring", []byte("temp"), 10*time.Millisecond)

		// Should be available immediately
		val, _ := cache.Get(ctx, tenantID, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		// Wait for expiration
		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, tenantID, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, tenantID, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, tenantID, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, tenantID, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, tenantID, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, tenantID, "d", []byte("4"), time.Minute)

		// 'b' should be evicted
		val, _ := smallCache.Get(ctx, tenantID, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		// 'a' should still be there
		val, _ = smallCache.Get(ctx, tenantID, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		tenant1 := "tenant-001"
		tenant2 := "tenant-002"

		_ = cache.Set(ctx, tenant1, "shared-key", []byte("tenant1-value"), time.Minute)
		_ = cache.Set(ctx, tenant2, "shared-key", []byte("tenant2-value"), time.Minute)

		val1, _ := cache.Get(ctx, tenant1, "shared-key")
		val2, _ := cache.Get(ctx, tenant2, "shared-key")

		if string(val1) != "tenant1-value" {
			t.Errorf("expected 'tenant1-value', got '%s'", string(val1))
		}
		if string(val2) != "tenant2-value" {
			t.Errorf("expected 'tenant2-value', got '%s'", string(val2))
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		err := cache.Set(ctx, "", "key", []byte("value"), time.Minute)
		if err == nil {
			t.Error("expected error for empty tenantID")
		}

		_, err = cache.Get(ctx, "", "key")
		if err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("DeletePrefix", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "resolution:limit:aa", []byte("1"), time.Minute)
		_ = cache.Set(ctx, tenantID, "resolution:limit:bb", []byte("2"), time.Minute)
		_ = cache.Set(ctx, tenantID, "resolution:limits:cc", []byte("3"), time.Minute)
		_ = cache.Set(ctx, "tenant-002", "resolution:limit:aa", []byte("4"), time.Minute)

		if err := cache.DeletePrefix(ctx, tenantID, "resolution:limit:"); err != nil {
			t.Fatalf("DeletePrefix failed: %v", err)
		}

		for _, key := range []string{"resolution:limit:aa", "resolution:limit:bb"} {
			if val, _ := cache.Get(ctx, tenantID, key); val != nil {
				t.Errorf("expected %s to be removed", key)
			}
		}
		if val, _ := cache.Get(ctx, tenantID, "resolution:limits:cc"); val == nil {
			t.Error("expected key outside the prefix to survive")
		}
		if val, _ := cache.Get(ctx, "tenant-002", "resolution:limit:aa"); val == nil {
			t.Error("expected other tenant's key to survive")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, tenantID, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, tenantID, "k2", []byte("v2"), time.Minute)

		_ = statsCache.Set(ctx, "tenant-002", "k1", []byte("v1"), time.Minute)

		stats := statsCache.Stats()
		if stats.Entries != 3 || stats.Tenants != 2 {
			t.Errorf("expected 3 entries over 2 tenants, got %+v", stats)
		}
		if stats.Capacity != 50 {
			t.Errorf("expected capacity 50, got %d", stats.Capacity)
		}
	})

	t.Run("Counters", func(t *testing.T) {
		now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
		c := NewLRUCache(2)
		c.now = func() time.Time { return now }

		_ = c.Set(ctx, tenantID, "a", []byte("1"), time.Second)
		_ = c.Set(ctx, tenantID, "b", []byte("2"), time.Minute)
		_ = c.Set(ctx, tenantID, "c", []byte("3"), time.Minute)

		now = now.Add(2 * time.Second)
		if val, _ := c.Get(ctx, tenantID, "b"); val == nil {
			t.Fatal("expected b to be live")
		}
		_ = c.Set(ctx, "tenant-002", "x", []byte("4"), time.Second)
		now = now.Add(2 * time.Second)
		if val, _ := c.Get(ctx, "tenant-002", "x"); val != nil {
			t.Error("expected x to have expired")
		}

		stats := c.Stats()
		if stats.Evictions != 2 || stats.Expirations != 1 {
			t.Errorf("expected 2 evictions and 1 expiration, got %+v", stats)
		}
		if stats.Tenants != 1 {
			t.Errorf("expected emptied tenant partition to be dropped, got %d", stats.Tenants)
		}
	})

	t.Run("NonPositiveTTL", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "no-ttl", []byte("v"), 0)
		if val, _ := cache.Get(ctx, tenantID, "no-ttl"); val != nil {
			t.Error("expected zero TTL to store nothing")
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, tenantID, "k", []byte("v"), time.Minute)

		err := testCache.Close()
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}

		// Cache should be empty after close
		val, _ := testCache.Get(ctx, tenantID, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		_, ok := cache.(*LRUCache)
		if !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

// flakyStore is an L2 stand-in whose failures can be switched on.
type flakyStore struct {
	*LRUCache
	fail  bool
	calls int
}

var errUnavailable = errors.New("store unavailable")

func (f *flakyStore) Get(ctx context.Context, tenantID, key string) ([]byte, error) {
	f.calls++
	if f.fail {
		return nil, errUnavailable
	}
	return f.LRUCache.Get(ctx, tenantID, key)
}

func (f *flakyStore) Set(ctx context.Context, tenantID, key string, value []byte, ttl time.Duration) error {
	f.calls++
	if f.fail {
		return errUnavailable
	}
	return f.LRUCache.Set(ctx, tenantID, key, value, ttl)
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("L2HitPopulatesL1", func(t *testing.T) {
		remote := &flakyStore{LRUCache: NewLRUCache(10)}
		_ = remote.LRUCache.Set(ctx, tenantID, "k", []byte("v"), time.Minute)
		c := newTwoPhaseCache(NewLRUCache(10), remote, time.Minute)

		val, err := c.Get(ctx, tenantID, "k")
		if err != nil || string(val) != "v" {
			t.Fatalf("expected L2 hit, got %q / %v", val, err)
		}

		calls := remote.calls
		if val, _ := c.Get(ctx, tenantID, "k"); string(val) != "v" {
			t.Fatal("expected L1 hit")
		}
		if remote.calls != calls {
			t.Error("expected second read to be served from L1")
		}
	})

	t.Run("DeletePrefixBothTiers", func(t *testing.T) {
		remote := &flakyStore{LRUCache: NewLRUCache(10)}
		c := newTwoPhaseCache(NewLRUCache(10), remote, time.Minute)
		_ = c.Set(ctx, tenantID, "resolution:s1:x", []byte("v"), time.Minute)

		if err := c.DeletePrefix(ctx, tenantID, "resolution:s1:"); err != nil {
			t.Fatalf("DeletePrefix failed: %v", err)
		}
		if val, _ := c.Get(ctx, tenantID, "resolution:s1:x"); val != nil {
			t.Error("expected entry removed from both tiers")
		}
	})

	t.Run("BreakerOpensAndDegradesToL1", func(t *testing.T) {
		remote := &flakyStore{LRUCache: NewLRUCache(10), fail: true}
		c := newTwoPhaseCache(NewLRUCache(10), remote, time.Minute)

		for i := 0; i < breakerFailures; i++ {
			if _, err := c.Get(ctx, tenantID, "missing"); err == nil {
				t.Fatalf("attempt %d: expected L2 error before the breaker opens", i)
			}
		}
		if c.BreakerState() != gobreaker.StateOpen {
			t.Fatalf("expected breaker open, got %s", c.BreakerState())
		}

		calls := remote.calls
		val, err := c.Get(ctx, tenantID, "missing")
		if err != nil || val != nil {
			t.Errorf("expected degraded miss, got %q / %v", val, err)
		}
		if err := c.Set(ctx, tenantID, "k", []byte("v"), time.Minute); err != nil {
			t.Errorf("expected degraded Set to succeed, got %v", err)
		}
		if remote.calls != calls {
			t.Error("expected no L2 calls while the breaker is open")
		}
		if val, _ := c.Get(ctx, tenantID, "k"); string(val) != "v" {
			t.Error("expected L1 to keep serving while degraded")
		}
	})
}
