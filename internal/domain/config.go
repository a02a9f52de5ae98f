package domain

import "time"

// Config holds the complete Surveil configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines which collaborators back the engine
	Tier Tier `json:"tier" yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"event_bus"`
	Engine     EngineConfig     `json:"engine" yaml:"engine"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP listener settings. Timeouts are in seconds.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"read_timeout"`
	WriteTimeout int    `json:"writeTimeout" yaml:"write_timeout"`

	// ShutdownTimeout bounds graceful drain of in-flight requests.
	ShutdownTimeout int `json:"shutdownTimeout" yaml:"shutdown_timeout"`
}

// EngineConfig tunes the resolution and scoring engine.
type EngineConfig struct {
	// ResolutionCacheEnabled memoizes resolutions by (setting, context).
	ResolutionCacheEnabled bool `json:"resolutionCacheEnabled" yaml:"resolution_cache_enabled"`

	// ResolutionCacheTTL bounds how long a metadata edit can go unobserved.
	ResolutionCacheTTL time.Duration `json:"resolutionCacheTTL" yaml:"resolution_cache_ttl"`

	// AsyncWorker enables evaluation of calculation-completed events.
	AsyncWorker bool `json:"asyncWorker" yaml:"async_worker"`

	// Tenants the async worker subscribes for; empty means the global subscription.
	Tenants []string `json:"tenants" yaml:"tenants"`
}

// MaxResolutionCacheTTL is the upper bound accepted for ResolutionCacheTTL.
const MaxResolutionCacheTTL = 10 * time.Minute

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig controls OpenTelemetry context propagation. When enabled,
// W3C traceparent and baggage headers are honored on HTTP requests and
// carried on NATS messages, so alert traces join the caller's trace.
type TracingConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ServiceName tags every log record.
	ServiceName string `json:"serviceName" yaml:"service_name"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity runs on SQLite + in-process cache + channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + Redis + NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./surveil.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     30 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Engine: EngineConfig{
			ResolutionCacheEnabled: true,
			ResolutionCacheTTL:     30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "surveil",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "surveil",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       10 * time.Second,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Engine.AsyncWorker = true
	cfg.Tracing.Enabled = true
	return cfg
}
