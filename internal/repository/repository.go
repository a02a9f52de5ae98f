// Package repository is the SQL metadata store for settings, detection
// models and alert traces.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/surveil/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New opens the configured database and migrates its schema.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveSetting creates or replaces a setting with tenant isolation.
func (r *SQLRepository) SaveSetting(ctx context.Context, tenantID string, setting *domain.Setting) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if setting == nil || setting.SettingID == "" {
		return fmt.Errorf("%w: setting_id is required", ErrInvalidInput)
	}

	stored := *setting
	stored.TenantID = tenantID
	document, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", setting.SettingID, err)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO settings (
			setting_id, tenant_id, name, value_type, match_type, document, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, setting_id) DO UPDATE SET
			name = excluded.name,
			value_type = excluded.value_type,
			match_type = excluded.match_type,
			document = excluded.document,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		setting.SettingID, tenantID, setting.Name,
		string(setting.ValueType), string(setting.EffectiveMatchType()),
		string(document), now, now,
	)
	return err
}

// GetSetting retrieves a setting with tenant isolation.
func (r *SQLRepository) GetSetting(ctx context.Context, tenantID string, settingID string) (*domain.Setting, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT document
		FROM settings
		WHERE tenant_id = ? AND setting_id = ?
	`

	var document string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, settingID).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return decodeSetting(document)
}

// ListSettings retrieves all settings for a tenant ordered by ID.
func (r *SQLRepository) ListSettings(ctx context.Context, tenantID string) ([]*domain.Setting, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT document
		FROM settings
		WHERE tenant_id = ?
		ORDER BY setting_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []*domain.Setting
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, err
		}
		setting, err := decodeSetting(document)
		if err != nil {
			return nil, err
		}
		settings = append(settings, setting)
	}

	return settings, rows.Err()
}

// DeleteSetting removes a setting.
func (r *SQLRepository) DeleteSetting(ctx context.Context, tenantID string, settingID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `DELETE FROM settings WHERE tenant_id = ? AND setting_id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, settingID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func decodeSetting(document string) (*domain.Setting, error) {
	var setting domain.Setting
	if err := json.Unmarshal([]byte(document), &setting); err != nil {
		return nil, fmt.Errorf("failed to parse setting document: %w", err)
	}
	return &setting, nil
}

// SaveModel creates or replaces a detection model with tenant isolation.
func (r *SQLRepository) SaveModel(ctx context.Context, tenantID string, model *domain.DetectionModel) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if model == nil || model.ModelID == "" {
		return fmt.Errorf("%w: model_id is required", ErrInvalidInput)
	}

	calculations, err := json.Marshal(model.Calculations)
	if err != nil {
		return fmt.Errorf("failed to encode calculations for %s: %w", model.ModelID, err)
	}

	enabled := 0
	if model.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO detection_models (
			model_id, tenant_id, name, description, calculations, score_threshold_setting, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, model_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			calculations = excluded.calculations,
			score_threshold_setting = excluded.score_threshold_setting,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		model.ModelID, tenantID, model.Name, model.Description,
		string(calculations), model.ScoreThresholdSetting, enabled,
		now, now,
	)
	return err
}

const modelColumns = `model_id, tenant_id, name, description, calculations, score_threshold_setting, enabled, created_at, updated_at`

// GetModel retrieves a detection model with tenant isolation.
func (r *SQLRepository) GetModel(ctx context.Context, tenantID string, modelID string) (*domain.DetectionModel, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + modelColumns + `
		FROM detection_models
		WHERE tenant_id = ? AND model_id = ?
	`

	model, err := scanModel(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, modelID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return model, err
}

// ListModels retrieves all detection models for a tenant ordered by name.
func (r *SQLRepository) ListModels(ctx context.Context, tenantID string) ([]*domain.DetectionModel, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + modelColumns + `
		FROM detection_models
		WHERE tenant_id = ?
		ORDER BY name, model_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []*domain.DetectionModel
	for rows.Next() {
		model, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, model)
	}

	return models, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanModel(row scanner) (*domain.DetectionModel, error) {
	var m domain.DetectionModel
	var description, threshold sql.NullString
	var calculations string
	var enabled int

	if err := row.Scan(
		&m.ModelID, &m.TenantID, &m.Name, &description,
		&calculations, &threshold, &enabled,
		&m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}

	m.Description = description.String
	m.ScoreThresholdSetting = threshold.String
	m.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(calculations), &m.Calculations); err != nil {
		return nil, fmt.Errorf("failed to parse calculations for %s: %w", m.ModelID, err)
	}
	return &m, nil
}

// SaveAlertTrace stores an alert trace. Traces are write-once: saving a
// trace whose alert_id already exists leaves the stored trace untouched.
func (r *SQLRepository) SaveAlertTrace(ctx context.Context, tenantID string, trace *domain.AlertTrace) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if trace == nil || trace.AlertID == "" {
		return fmt.Errorf("%w: alert_id is required", ErrInvalidInput)
	}

	document, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("failed to encode alert trace %s: %w", trace.AlertID, err)
	}

	fired := 0
	if trace.AlertFired {
		fired = 1
	}

	query := `
		INSERT INTO alert_traces (
			alert_id, tenant_id, model_id, alert_fired, trigger_path,
			accumulated_score, score_threshold, timestamp, trace
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, alert_id) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		trace.AlertID, tenantID, trace.ModelID, fired, string(trace.TriggerPath),
		trace.AccumulatedScore, trace.ScoreThreshold, trace.Timestamp.UTC(),
		string(document),
	)
	return err
}

// GetAlertTrace retrieves an alert trace with tenant isolation.
func (r *SQLRepository) GetAlertTrace(ctx context.Context, tenantID string, alertID string) (*domain.AlertTrace, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT trace
		FROM alert_traces
		WHERE tenant_id = ? AND alert_id = ?
	`

	var document string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, alertID).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return decodeAlertTrace(document)
}

// ListAlertTraces retrieves the most recent traces of a model, newest first.
func (r *SQLRepository) ListAlertTraces(ctx context.Context, tenantID string, modelID string, limit int) ([]*domain.AlertTrace, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT trace
		FROM alert_traces
		WHERE tenant_id = ? AND model_id = ?
		ORDER BY timestamp DESC, alert_id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, modelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var traces []*domain.AlertTrace
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, err
		}
		trace, err := decodeAlertTrace(document)
		if err != nil {
			return nil, err
		}
		traces = append(traces, trace)
	}

	return traces, rows.Err()
}

func decodeAlertTrace(document string) (*domain.AlertTrace, error) {
	var trace domain.AlertTrace
	if err := json.Unmarshal([]byte(document), &trace); err != nil {
		return nil, fmt.Errorf("failed to parse alert trace: %w", err)
	}
	return &trace, nil
}

// Snapshot loads every setting and enabled detection model of a tenant into
// an immutable snapshot for one engine call.
func (r *SQLRepository) Snapshot(ctx context.Context, tenantID string) (*domain.Snapshot, error) {
	settings, err := r.ListSettings(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	models, err := r.ListModels(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load models: %w", err)
	}

	enabled := models[:0]
	for _, m := range models {
		if m.Enabled {
			enabled = append(enabled, m)
		}
	}

	return domain.NewSnapshot(settings, enabled), nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
