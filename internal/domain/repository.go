// Package domain defines the core interfaces and types for Surveil.
package domain

import (
	"context"
	"time"
)

// Repository is the metadata store collaborator.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Setting operations
	SaveSetting(ctx context.Context, tenantID string, setting *Setting) error
	GetSetting(ctx context.Context, tenantID string, settingID string) (*Setting, error)
	ListSettings(ctx context.Context, tenantID string) ([]*Setting, error)
	DeleteSetting(ctx context.Context, tenantID string, settingID string) error

	// Detection model operations
	SaveModel(ctx context.Context, tenantID string, model *DetectionModel) error
	GetModel(ctx context.Context, tenantID string, modelID string) (*DetectionModel, error)
	ListModels(ctx context.Context, tenantID string) ([]*DetectionModel, error)

	// Alert traces
	SaveAlertTrace(ctx context.Context, tenantID string, trace *AlertTrace) error
	GetAlertTrace(ctx context.Context, tenantID string, alertID string) (*AlertTrace, error)
	ListAlertTraces(ctx context.Context, tenantID string, modelID string, limit int) ([]*AlertTrace, error)

	// Snapshot loads every setting and enabled model for a tenant.
	Snapshot(ctx context.Context, tenantID string) (*Snapshot, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgres_port"`
	PostgresUser     string `json:"postgresUser" yaml:"postgres_user"`
	PostgresPassword string `json:"-" yaml:"postgres_password"`
	PostgresDB       string `json:"postgresDb" yaml:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"conn_max_lifetime"`
}
