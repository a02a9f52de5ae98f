package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/surveil/internal/domain"
)

func TestSQLiteRepository(t *testing.T) {
	// Create temp database file
	tmpFile, err := os.CreateTemp("", "surveil-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	threshold := &domain.Setting{
		SettingID: "spoof_cancel_ratio",
		Name:      "Spoofing cancel ratio",
		ValueType: domain.ValueTypeDecimal,
		Default:   domain.Decimal(0.8),
		MatchType: domain.MatchTypeHierarchy,
		Overrides: []domain.Override{
			{Match: domain.MatchPattern{"asset_class": "fx"}, Value: domain.Decimal(0.9), Priority: 2},
		},
	}
	steps := &domain.Setting{
		SettingID: "spoof_steps",
		Name:      "Spoofing score steps",
		ValueType: domain.ValueTypeScoreSteps,
		Default:   domain.Tiers{domain.Bounded(0, 1, 0), domain.Unbounded(1, 5)},
	}

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetSetting", func(t *testing.T) {
		if err := repo.SaveSetting(ctx, tenantID, threshold); err != nil {
			t.Fatalf("SaveSetting failed: %v", err)
		}
		if err := repo.SaveSetting(ctx, tenantID, steps); err != nil {
			t.Fatalf("SaveSetting failed: %v", err)
		}

		retrieved, err := repo.GetSetting(ctx, tenantID, threshold.SettingID)
		if err != nil {
			t.Fatalf("GetSetting failed: %v", err)
		}
		if retrieved.TenantID != tenantID {
			t.Errorf("expected TenantID %s, got %s", tenantID, retrieved.TenantID)
		}
		if retrieved.Default != domain.Decimal(0.8) {
			t.Errorf("expected typed default 0.8, got %#v", retrieved.Default)
		}
		if len(retrieved.Overrides) != 1 || retrieved.Overrides[0].Value != domain.Decimal(0.9) {
			t.Errorf("expected typed override 0.9, got %+v", retrieved.Overrides)
		}

		tiers, err := repo.GetSetting(ctx, tenantID, steps.SettingID)
		if err != nil {
			t.Fatalf("GetSetting failed: %v", err)
		}
		if got, ok := tiers.Default.(domain.Tiers); !ok || len(got) != 2 || got[1].MaxValue != nil {
			t.Errorf("expected score steps default, got %#v", tiers.Default)
		}
	})

	t.Run("UpdateSetting", func(t *testing.T) {
		updated := *threshold
		updated.Default = domain.Decimal(0.75)
		if err := repo.SaveSetting(ctx, tenantID, &updated); err != nil {
			t.Fatalf("SaveSetting failed: %v", err)
		}

		retrieved, _ := repo.GetSetting(ctx, tenantID, threshold.SettingID)
		if retrieved.Default != domain.Decimal(0.75) {
			t.Errorf("expected updated default, got %v", retrieved.Default)
		}

		settings, err := repo.ListSettings(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListSettings failed: %v", err)
		}
		if len(settings) != 2 {
			t.Errorf("expected 2 settings, got %d", len(settings))
		}
	})

	t.Run("SaveAndGetModel", func(t *testing.T) {
		model := &domain.DetectionModel{
			ModelID:     "spoofing",
			Name:        "Spoofing",
			Description: "Large orders cancelled before execution",
			Calculations: []domain.ModelCalculation{
				{
					CalcID:            "cancel_ratio",
					Strictness:        domain.StrictnessMustPass,
					ThresholdSetting:  "spoof_cancel_ratio",
					ScoreStepsSetting: "spoof_steps",
					ValueField:        "ratio",
				},
			},
			ScoreThresholdSetting: "spoof_alert_threshold",
			Enabled:               true,
		}

		if err := repo.SaveModel(ctx, tenantID, model); err != nil {
			t.Fatalf("SaveModel failed: %v", err)
		}

		retrieved, err := repo.GetModel(ctx, tenantID, model.ModelID)
		if err != nil {
			t.Fatalf("GetModel failed: %v", err)
		}
		if len(retrieved.Calculations) != 1 || retrieved.Calculations[0].ValueField != "ratio" {
			t.Errorf("unexpected calculations: %+v", retrieved.Calculations)
		}
		if retrieved.ScoreThresholdSetting != model.ScoreThresholdSetting || !retrieved.Enabled {
			t.Errorf("unexpected model: %+v", retrieved)
		}

		disabled := &domain.DetectionModel{ModelID: "layering", Name: "Layering", Enabled: false}
		if err := repo.SaveModel(ctx, tenantID, disabled); err != nil {
			t.Fatalf("SaveModel failed: %v", err)
		}
		models, _ := repo.ListModels(ctx, tenantID)
		if len(models) != 2 {
			t.Errorf("expected 2 models, got %d", len(models))
		}
	})

	t.Run("Snapshot", func(t *testing.T) {
		snapshot, err := repo.Snapshot(ctx, tenantID)
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if snapshot.SettingCount() != 2 {
			t.Errorf("expected 2 settings, got %d", snapshot.SettingCount())
		}
		if _, err := snapshot.Model("spoofing"); err != nil {
			t.Errorf("expected enabled model in snapshot: %v", err)
		}
		if _, err := snapshot.Model("layering"); !errors.Is(err, domain.ErrModelNotFound) {
			t.Errorf("expected disabled model excluded, got %v", err)
		}
	})

	t.Run("AlertTraceWriteOnce", func(t *testing.T) {
		trace := &domain.AlertTrace{
			AlertID:          "2f1c6a8e-0000-5000-8000-000000000001",
			ModelID:          "spoofing",
			TenantID:         tenantID,
			Timestamp:        time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
			AlertFired:       true,
			TriggerPath:      domain.TriggerAllPassed,
			AccumulatedScore: 5,
			ScoreThreshold:   4,
			CalculationScores: []domain.CalculationScoreTrace{
				{CalcID: "cancel_ratio", Score: 5, RawValue: 1.4, ComputedValue: 1.4, Strictness: domain.StrictnessMustPass, ThresholdPassed: true},
			},
			SettingsTrace: []domain.SettingsResolution{
				{SettingID: "spoof_cancel_ratio", ValueType: domain.ValueTypeDecimal, ResolvedValue: domain.Decimal(0.8), DefaultValue: domain.Decimal(0.8), Why: "no override matched; used default"},
			},
		}

		if err := repo.SaveAlertTrace(ctx, tenantID, trace); err != nil {
			t.Fatalf("SaveAlertTrace failed: %v", err)
		}

		changed := *trace
		changed.AccumulatedScore = 99
		if err := repo.SaveAlertTrace(ctx, tenantID, &changed); err != nil {
			t.Fatalf("duplicate SaveAlertTrace failed: %v", err)
		}

		retrieved, err := repo.GetAlertTrace(ctx, tenantID, trace.AlertID)
		if err != nil {
			t.Fatalf("GetAlertTrace failed: %v", err)
		}
		if retrieved.AccumulatedScore != 5 {
			t.Errorf("expected stored trace to be unchanged, got score %d", retrieved.AccumulatedScore)
		}
		if retrieved.SettingsTrace[0].ResolvedValue != domain.Decimal(0.8) {
			t.Errorf("expected typed resolved value, got %#v", retrieved.SettingsTrace[0].ResolvedValue)
		}

		traces, err := repo.ListAlertTraces(ctx, tenantID, "spoofing", 10)
		if err != nil {
			t.Fatalf("ListAlertTraces failed: %v", err)
		}
		if len(traces) != 1 {
			t.Errorf("expected 1 trace, got %d", len(traces))
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		otherTenant := "tenant-002"

		_, err := repo.GetSetting(ctx, otherTenant, threshold.SettingID)
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
		_, err = repo.GetModel(ctx, otherTenant, "spoofing")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := repo.SaveSetting(ctx, "", threshold); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for empty tenantID, got %v", err)
		}
		if _, err := repo.GetSetting(ctx, "", threshold.SettingID); err == nil {
			t.Error("expected error for empty tenantID")
		}
		if _, err := repo.Snapshot(ctx, ""); err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("DeleteSetting", func(t *testing.T) {
		if err := repo.DeleteSetting(ctx, tenantID, steps.SettingID); err != nil {
			t.Fatalf("DeleteSetting failed: %v", err)
		}
		if _, err := repo.GetSetting(ctx, tenantID, steps.SettingID); err != ErrNotFound {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.DeleteSetting(ctx, tenantID, steps.SettingID); err != ErrNotFound {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetModel(ctx, tenantID, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
		if _, err := repo.GetAlertTrace(ctx, tenantID, "nonexistent"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
