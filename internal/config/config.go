// Package config loads Surveil configuration from an optional YAML file and
// SURVEIL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/surveil/internal/domain"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SURVEIL_"

// ErrInvalidConfig marks a configuration that failed validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load builds the configuration. The tier (file or SURVEIL_TIER) selects the
// defaults, the file is applied over them, then environment overrides.
// A missing file is not an error; an empty path skips the file.
func Load(path string) (*domain.Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			data = b
		case errors.Is(err, os.ErrNotExist):
			slog.Warn("config file not found, using defaults", "path", path)
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	tier, err := selectTier(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg := domain.DefaultConfig()
	if tier == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.Tier = tier

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// selectTier reads the tier from the environment, then the file.
func selectTier(data []byte) (domain.Tier, error) {
	if v := os.Getenv(EnvPrefix + "TIER"); v != "" {
		return domain.Tier(strings.ToLower(v)), nil
	}

	var peek struct {
		Tier domain.Tier `yaml:"tier"`
	}
	if err := yaml.Unmarshal(data, &peek); err != nil {
		return "", err
	}
	if peek.Tier == "" {
		return domain.TierCommunity, nil
	}
	return peek.Tier, nil
}

// applyEnvOverrides applies SURVEIL_* environment variables to cfg.
func applyEnvOverrides(cfg *domain.Config) error {
	var errs []error

	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	// Server
	str("HOST", &cfg.Server.Host)
	num("PORT", &cfg.Server.Port)
	num("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Repository
	str("DB_DRIVER", &cfg.Repository.Driver)
	str("SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	num("POSTGRES_PORT", &cfg.Repository.PostgresPort)
	str("POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)
	num("DB_MAX_OPEN_CONNS", &cfg.Repository.MaxOpenConns)
	num("DB_MAX_IDLE_CONNS", &cfg.Repository.MaxIdleConns)
	dur("DB_CONN_MAX_LIFETIME", &cfg.Repository.ConnMaxLifetime)

	// Cache
	str("CACHE_TYPE", &cfg.Cache.Type)
	str("REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	num("REDIS_DB", &cfg.Cache.RedisDB)
	num("REDIS_POOL_SIZE", &cfg.Cache.RedisPoolSize)
	str("REDIS_NAMESPACE", &cfg.Cache.RedisNamespace)

	// Event bus
	str("BUS_TYPE", &cfg.EventBus.Type)
	str("NATS_URL", &cfg.EventBus.NATSUrl)
	str("NATS_TOKEN", &cfg.EventBus.NATSToken)

	// Engine
	flag("RESOLUTION_CACHE", &cfg.Engine.ResolutionCacheEnabled)
	dur("RESOLUTION_TTL", &cfg.Engine.ResolutionCacheTTL)
	flag("ASYNC_WORKER", &cfg.Engine.AsyncWorker)
	if v := os.Getenv(EnvPrefix + "TENANTS"); v != "" {
		cfg.Engine.Tenants = splitList(v)
	}

	// Observability
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	if os.Getenv(EnvPrefix+"DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	flag("TRACING", &cfg.Tracing.Enabled)
	str("SERVICE_NAME", &cfg.Tracing.ServiceName)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks cross-field constraints of a configuration.
func Validate(cfg *domain.Config) error {
	var errs []error

	switch cfg.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		errs = append(errs, fmt.Errorf("unknown tier %q", cfg.Tier))
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", cfg.Server.Port))
	}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported repository driver %q", cfg.Repository.Driver))
	}

	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unsupported cache type %q", cfg.Cache.Type))
	}

	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		errs = append(errs, fmt.Errorf("unsupported event bus type %q", cfg.EventBus.Type))
	}

	if cfg.Engine.ResolutionCacheEnabled {
		ttl := cfg.Engine.ResolutionCacheTTL
		if ttl <= 0 || ttl > domain.MaxResolutionCacheTTL {
			errs = append(errs, fmt.Errorf("resolution cache ttl %s outside (0, %s]", ttl, domain.MaxResolutionCacheTTL))
		}
	}

	for _, tenant := range cfg.Engine.Tenants {
		if tenant != domain.GlobalTenant && !domain.ValidTenantID(tenant) {
			errs = append(errs, fmt.Errorf("malformed worker tenant %q", tenant))
		}
	}

	if _, err := ParseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a configured log level to a slog level. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}
