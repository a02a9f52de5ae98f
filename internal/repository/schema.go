package repository

// Schema definitions for the Surveil metadata store.
// Compatible with both SQLite and PostgreSQL.

// schemaSettings stores each setting as its wire document. The typed columns
// exist for listing and filtering only.
const schemaSettings = `
CREATE TABLE IF NOT EXISTS settings (
    setting_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    value_type TEXT NOT NULL,
    match_type TEXT NOT NULL,
    document TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, setting_id)
);

CREATE INDEX IF NOT EXISTS idx_settings_tenant ON settings(tenant_id);
`

const schemaDetectionModels = `
CREATE TABLE IF NOT EXISTS detection_models (
    model_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    calculations TEXT NOT NULL,
    score_threshold_setting TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, model_id)
);

CREATE INDEX IF NOT EXISTS idx_detection_models_enabled ON detection_models(tenant_id, enabled);
`

// schemaAlertTraces holds write-once alert traces. Re-evaluating identical
// inputs yields the same alert_id, so inserts ignore duplicates.
const schemaAlertTraces = `
CREATE TABLE IF NOT EXISTS alert_traces (
    alert_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    model_id TEXT NOT NULL,
    alert_fired INTEGER NOT NULL,
    trigger_path TEXT NOT NULL,
    accumulated_score INTEGER NOT NULL,
    score_threshold REAL NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    trace TEXT NOT NULL,
    PRIMARY KEY (tenant_id, alert_id)
);

CREATE INDEX IF NOT EXISTS idx_alert_traces_model ON alert_traces(tenant_id, model_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_alert_traces_fired ON alert_traces(tenant_id, alert_fired);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaSettings,
		schemaDetectionModels,
		schemaAlertTraces,
	}
}
