package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/surveil/internal/domain"
	"github.com/opensource-finance/surveil/internal/metrics"
)

// CachedService memoizes successful resolutions by (tenant, setting, context)
// for a bounded TTL. Failed resolutions are never cached.
type CachedService struct {
	base    Resolver
	cache   domain.Cache
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewCachedService wraps base with a resolution cache. ttl must be positive
// and no longer than domain.MaxResolutionCacheTTL.
func NewCachedService(base Resolver, cache domain.Cache, ttl time.Duration, m *metrics.Metrics) (*CachedService, error) {
	if base == nil || cache == nil {
		return nil, fmt.Errorf("resolver and cache are required")
	}
	if ttl <= 0 || ttl > domain.MaxResolutionCacheTTL {
		return nil, fmt.Errorf("resolution cache ttl %s outside (0, %s]", ttl, domain.MaxResolutionCacheTTL)
	}
	return &CachedService{base: base, cache: cache, ttl: ttl, metrics: m}, nil
}

// Resolve returns a cached resolution when one is fresh, otherwise resolves
// through the base resolver and stores the result.
func (c *CachedService) Resolve(ctx context.Context, setting *domain.Setting, entity domain.Context) (*domain.SettingsResolution, error) {
	tenantID := tenantOf(setting)
	key := CacheKey(setting.SettingID, entity)

	data, err := c.cache.Get(ctx, tenantID, key)
	switch {
	case err != nil:
		c.metrics.RecordCache(metrics.CacheError)
		slog.Warn("resolution cache read failed",
			"setting_id", setting.SettingID,
			"error", err,
		)
	case data != nil:
		var res domain.SettingsResolution
		if err := json.Unmarshal(data, &res); err == nil {
			c.metrics.RecordCache(metrics.CacheHit)
			return &res, nil
		}
		c.metrics.RecordCache(metrics.CacheError)
	default:
		c.metrics.RecordCache(metrics.CacheMiss)
	}

	res, err := c.base.Resolve(ctx, setting, entity)
	if err != nil {
		return res, err
	}

	if payload, err := json.Marshal(res); err == nil {
		if err := c.cache.Set(ctx, tenantID, key, payload, c.ttl); err != nil {
			slog.Warn("resolution cache write failed",
				"setting_id", setting.SettingID,
				"error", err,
			)
		}
	}

	return res, nil
}

// Invalidate drops every cached resolution of a setting.
func (c *CachedService) Invalidate(ctx context.Context, tenantID, settingID string) error {
	if tenantID == "" {
		tenantID = domain.GlobalTenant
	}
	return c.cache.DeletePrefix(ctx, tenantID, keyPrefix(settingID))
}

// CacheKey derives the cache key for a setting and context.
func CacheKey(settingID string, entity domain.Context) string {
	sum := sha256.Sum256([]byte(entity.Canonical()))
	return keyPrefix(settingID) + hex.EncodeToString(sum[:16])
}

func keyPrefix(settingID string) string {
	return "resolution:" + settingID + ":"
}

func tenantOf(setting *domain.Setting) string {
	if setting.TenantID == "" {
		return domain.GlobalTenant
	}
	return setting.TenantID
}
