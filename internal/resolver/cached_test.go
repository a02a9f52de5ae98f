package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/surveil/internal/cache"
	"github.com/opensource-finance/surveil/internal/domain"
	"github.com/opensource-finance/surveil/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// countingResolver counts calls through to the wrapped resolver.
type countingResolver struct {
	Resolver
	calls int
}

func (c *countingResolver) Resolve(ctx context.Context, s *domain.Setting, e domain.Context) (*domain.SettingsResolution, error) {
	c.calls++
	return c.Resolver.Resolve(ctx, s, e)
}

func TestNewCachedServiceTTL(t *testing.T) {
	lru := cache.NewLRUCache(10)
	base := NewService(nil)

	tests := []struct {
		name    string
		ttl     time.Duration
		wantErr bool
	}{
		{"Zero", 0, true},
		{"Negative", -time.Second, true},
		{"Minimum", time.Nanosecond, false},
		{"Maximum", domain.MaxResolutionCacheTTL, false},
		{"TooLong", domain.MaxResolutionCacheTTL + time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCachedService(base, lru, tt.ttl, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("ttl %s: expected error=%v, got %v", tt.ttl, tt.wantErr, err)
			}
		})
	}
}

func TestCachedService(t *testing.T) {
	ctx := context.Background()
	setting := thresholdSetting(domain.Override{
		Match:    domain.MatchPattern{"asset_class": "equity"},
		Value:    domain.Decimal(0.9),
		Priority: 1,
	})
	setting.TenantID = "tenant-001"

	t.Run("HitSkipsResolution", func(t *testing.T) {
		m := metrics.New()
		base := &countingResolver{Resolver: NewService(nil)}
		svc, err := NewCachedService(base, cache.NewLRUCache(10), time.Minute, m)
		if err != nil {
			t.Fatalf("NewCachedService failed: %v", err)
		}

		first, err := svc.Resolve(ctx, setting, equityAAPL)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		second, err := svc.Resolve(ctx, setting, equityAAPL)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}

		if base.calls != 1 {
			t.Errorf("expected 1 underlying resolution, got %d", base.calls)
		}
		if second.ResolvedValue != first.ResolvedValue || second.Why != first.Why {
			t.Errorf("cached resolution differs: %+v vs %+v", second, first)
		}
		if second.MatchedOverride == nil || second.MatchedOverride.Value != domain.Decimal(0.9) {
			t.Errorf("expected typed matched override after cache round trip, got %+v", second.MatchedOverride)
		}
		if got := testutil.ToFloat64(m.ResolutionCache.WithLabelValues(metrics.CacheHit)); got != 1 {
			t.Errorf("expected 1 cache hit, got %v", got)
		}
	})

	t.Run("ContextIsPartOfKey", func(t *testing.T) {
		base := &countingResolver{Resolver: NewService(nil)}
		svc, _ := NewCachedService(base, cache.NewLRUCache(10), time.Minute, nil)

		res, _ := svc.Resolve(ctx, setting, equityAAPL)
		other, _ := svc.Resolve(ctx, setting, domain.Context{"asset_class": "fx"})

		if base.calls != 2 {
			t.Errorf("expected 2 underlying resolutions, got %d", base.calls)
		}
		if res.ResolvedValue == other.ResolvedValue {
			t.Error("expected different contexts to resolve independently")
		}
	})

	t.Run("DelimitersInValuesDoNotCollide", func(t *testing.T) {
		desk := thresholdSetting(domain.Override{
			Match:    domain.MatchPattern{"desk": "x", "product_id": "AAPL"},
			Value:    domain.Decimal(0.99),
			Priority: 1,
		})
		desk.TenantID = "tenant-001"
		split := domain.Context{"desk": "x", "product_id": "AAPL"}
		joined := domain.Context{"desk": "x&product_id=AAPL"}

		if CacheKey(desk.SettingID, split) == CacheKey(desk.SettingID, joined) {
			t.Fatal("expected distinct keys for distinct contexts")
		}

		base := &countingResolver{Resolver: NewService(nil)}
		svc, _ := NewCachedService(base, cache.NewLRUCache(10), time.Minute, nil)

		first, err := svc.Resolve(ctx, desk, split)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		second, err := svc.Resolve(ctx, desk, joined)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if first.ResolvedValue != domain.Decimal(0.99) {
			t.Errorf("expected override 0.99, got %v", first.ResolvedValue)
		}
		if second.ResolvedValue != domain.Decimal(0.5) {
			t.Errorf("expected default 0.5 for the joined context, got %v", second.ResolvedValue)
		}
		if base.calls != 2 {
			t.Errorf("expected 2 underlying resolutions, got %d", base.calls)
		}
	})

	t.Run("ErrorsAreNotCached", func(t *testing.T) {
		bad := thresholdSetting(domain.Override{
			Match:    domain.MatchPattern{},
			Value:    domain.Text("oops"),
			Priority: 1,
		})
		base := &countingResolver{Resolver: NewService(nil)}
		svc, _ := NewCachedService(base, cache.NewLRUCache(10), time.Minute, nil)

		for i := 0; i < 2; i++ {
			if _, err := svc.Resolve(ctx, bad, equityAAPL); !errors.Is(err, domain.ErrResolutionType) {
				t.Fatalf("expected ErrResolutionType, got %v", err)
			}
		}
		if base.calls != 2 {
			t.Errorf("expected failed resolutions to bypass the cache, got %d calls", base.calls)
		}
	})

	t.Run("Invalidate", func(t *testing.T) {
		base := &countingResolver{Resolver: NewService(nil)}
		svc, _ := NewCachedService(base, cache.NewLRUCache(10), time.Minute, nil)

		_, _ = svc.Resolve(ctx, setting, equityAAPL)
		if err := svc.Invalidate(ctx, setting.TenantID, setting.SettingID); err != nil {
			t.Fatalf("Invalidate failed: %v", err)
		}
		_, _ = svc.Resolve(ctx, setting, equityAAPL)

		if base.calls != 2 {
			t.Errorf("expected re-resolution after invalidation, got %d calls", base.calls)
		}
	})
}

func TestCacheKey(t *testing.T) {
	a := CacheKey("s1", domain.Context{"a": "1", "b": "2"})
	b := CacheKey("s1", domain.Context{"b": "2", "a": "1"})
	c := CacheKey("s2", domain.Context{"a": "1", "b": "2"})

	if a != b {
		t.Error("expected key independent of map order")
	}
	if a == c {
		t.Error("expected key to depend on setting id")
	}
}
