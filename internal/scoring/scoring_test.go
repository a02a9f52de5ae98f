package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/surveil/internal/domain"
	"github.com/opensource-finance/surveil/internal/expr"
	"github.com/opensource-finance/surveil/internal/metrics"
	"github.com/opensource-finance/surveil/internal/resolver"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var equity = domain.Context{"asset_class": "equity", "product_id": "AAPL"}

func decimalSetting(id string, def float64, overrides ...domain.Override) *domain.Setting {
	return &domain.Setting{
		SettingID: id,
		Name:      id,
		ValueType: domain.ValueTypeDecimal,
		Default:   domain.Decimal(def),
		Overrides: overrides,
	}
}

func stepsSetting(id string, steps ...domain.ScoreStep) *domain.Setting {
	return &domain.Setting{
		SettingID: id,
		Name:      id,
		ValueType: domain.ValueTypeScoreSteps,
		Default:   domain.Tiers(steps),
	}
}

// washTradeSnapshot holds a two-calculation model:
// volume (MUST_PASS, threshold 100, steps) and ratio (OPTIONAL, steps only).
func washTradeSnapshot(alertThreshold float64) *domain.Snapshot {
	settings := []*domain.Setting{
		decimalSetting("volume_threshold", 100,
			domain.Override{Match: domain.MatchPattern{"product_id": "AAPL"}, Value: domain.Decimal(150), Priority: 1},
		),
		stepsSetting("volume_steps",
			domain.Bounded(0, 100, 0),
			domain.Bounded(100, 500, 5),
			domain.Unbounded(500, 10),
		),
		stepsSetting("ratio_steps",
			domain.Bounded(0, 0.5, 1),
			domain.Unbounded(0.5, 4),
		),
		decimalSetting("wash_alert_threshold", alertThreshold),
	}
	models := []*domain.DetectionModel{washTradeModel()}
	return domain.NewSnapshot(settings, models)
}

func washTradeModel() *domain.DetectionModel {
	return &domain.DetectionModel{
		ModelID: "wash_trade",
		Name:    "Wash trade",
		Calculations: []domain.ModelCalculation{
			{
				CalcID:            "volume",
				Strictness:        domain.StrictnessMustPass,
				ThresholdSetting:  "volume_threshold",
				ScoreStepsSetting: "volume_steps",
			},
			{
				CalcID:            "ratio",
				Strictness:        domain.StrictnessOptional,
				ScoreStepsSetting: "ratio_steps",
				ValueField:        "buy_sell_ratio",
			},
		},
		ScoreThresholdSetting: "wash_alert_threshold",
		Enabled:               true,
	}
}

func newAggregator(t *testing.T, m *metrics.Metrics) *Aggregator {
	t.Helper()
	engine, err := expr.NewEngine()
	if err != nil {
		t.Fatalf("failed to create expression engine: %v", err)
	}
	return NewAggregator(NewScorer(resolver.NewService(nil), engine), m, 4)
}

func evaluateInput(volume, ratio float64) *EvaluateInput {
	return &EvaluateInput{
		TenantID: "tenant-001",
		Model:    washTradeModel(),
		Outputs: map[string]domain.CalculationOutput{
			"volume": {"value": volume},
			"ratio":  {"buy_sell_ratio": ratio},
		},
		Context:   equity,
		Timestamp: time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC),
	}
}

func TestScoreCalculation(t *testing.T) {
	ctx := context.Background()
	snapshot := washTradeSnapshot(8)
	scorer := NewScorer(resolver.NewService(nil), nil)
	volume := washTradeModel().Calculations[0]

	t.Run("PassesResolvedThreshold", func(t *testing.T) {
		r := scorer.Score(ctx, volume, domain.CalculationOutput{"value": 200.0}, equity, snapshot)
		if !r.Trace.ThresholdPassed || r.Trace.Score != 5 {
			t.Errorf("expected pass with score 5, got %+v", r.Trace)
		}
		if r.Trace.Threshold == nil || *r.Trace.Threshold != 150 {
			t.Errorf("expected AAPL override threshold 150, got %v", r.Trace.Threshold)
		}
		if r.Trace.ScoreStepMatched == nil || r.Trace.ScoreStepMatched.MinValue != 100 {
			t.Errorf("expected step [100,500), got %v", r.Trace.ScoreStepMatched)
		}
		if len(r.Resolutions) != 2 || r.Resolutions[0].SettingID != "volume_threshold" || r.Resolutions[1].SettingID != "volume_steps" {
			t.Errorf("expected threshold then steps resolutions, got %+v", r.Resolutions)
		}
	})

	t.Run("ThresholdInclusive", func(t *testing.T) {
		r := scorer.Score(ctx, volume, domain.CalculationOutput{"value": 150.0}, equity, snapshot)
		if !r.Trace.ThresholdPassed {
			t.Error("expected value equal to threshold to pass")
		}
	})

	t.Run("FailedThresholdZeroesScore", func(t *testing.T) {
		r := scorer.Score(ctx, volume, domain.CalculationOutput{"value": 120.0}, equity, snapshot)
		if r.Trace.ThresholdPassed || r.Trace.Score != 0 {
			t.Errorf("expected failed threshold with score 0, got %+v", r.Trace)
		}
		if r.Trace.ScoreStepMatched == nil {
			t.Error("expected the matched step to stay in the trace")
		}
	})

	t.Run("InertCalculation", func(t *testing.T) {
		inert := domain.ModelCalculation{CalcID: "inert", Strictness: domain.StrictnessOptional}
		r := scorer.Score(ctx, inert, domain.CalculationOutput{"value": 3.0}, equity, snapshot)
		if !r.Trace.ThresholdPassed || r.Trace.Score != 0 || r.Trace.Error != "" {
			t.Errorf("expected inert pass with score 0, got %+v", r.Trace)
		}
	})

	t.Run("NoMatchingTier", func(t *testing.T) {
		r := scorer.Score(ctx, volume, domain.CalculationOutput{"value": -5.0}, domain.Context{}, domain.NewSnapshot(
			[]*domain.Setting{
				decimalSetting("volume_threshold", -10),
				stepsSetting("volume_steps", domain.Unbounded(0, 3)),
			}, nil))
		if r.Trace.Score != 0 {
			t.Errorf("expected score 0, got %d", r.Trace.Score)
		}
		if !strings.Contains(r.Trace.Error, "no matching tier") {
			t.Errorf("expected no matching tier note, got %q", r.Trace.Error)
		}
		if len(r.Errs) != 1 || !errors.Is(r.Errs[0], domain.ErrNoMatchingTier) {
			t.Errorf("expected ErrNoMatchingTier, got %v", r.Errs)
		}
	})

	t.Run("MissingSetting", func(t *testing.T) {
		r := scorer.Score(ctx, volume, domain.CalculationOutput{"value": 200.0}, equity, domain.NewSnapshot(nil, nil))
		if r.Trace.ThresholdPassed {
			t.Error("expected unresolvable threshold to fail")
		}
		if len(r.Errs) != 2 || !errors.Is(r.Errs[0], domain.ErrSettingNotFound) {
			t.Errorf("expected setting-not-found errors, got %v", r.Errs)
		}
	})

	t.Run("WrongShape", func(t *testing.T) {
		text := &domain.Setting{SettingID: "volume_threshold", ValueType: domain.ValueTypeString, Default: domain.Text("high")}
		r := scorer.Score(ctx, volume, domain.CalculationOutput{"value": 200.0}, equity,
			domain.NewSnapshot([]*domain.Setting{text, stepsSetting("volume_steps", domain.Unbounded(0, 1))}, nil))
		if r.Trace.ThresholdPassed || !errors.Is(r.Errs[0], ErrSettingShape) {
			t.Errorf("expected ErrSettingShape, got %v", r.Errs)
		}
		if len(r.Resolutions) != 2 {
			t.Errorf("expected both resolutions recorded, got %d", len(r.Resolutions))
		}
	})

	t.Run("MissingValue", func(t *testing.T) {
		r := scorer.Score(ctx, volume, domain.CalculationOutput{"other": 1.0}, equity, snapshot)
		if r.Trace.ThresholdPassed || !errors.Is(r.Errs[0], ErrMissingValue) {
			t.Errorf("expected ErrMissingValue, got %+v", r)
		}
		if len(r.Resolutions) != 0 || r.Trace.Score != 0 {
			t.Errorf("expected no resolutions and score 0, got %d resolutions, score %d", len(r.Resolutions), r.Trace.Score)
		}
	})
}

func TestComputedValue(t *testing.T) {
	engine, err := expr.NewEngine()
	if err != nil {
		t.Fatalf("failed to create expression engine: %v", err)
	}
	scorer := NewScorer(resolver.NewService(nil), engine)
	snapshot := domain.NewSnapshot([]*domain.Setting{
		decimalSetting("share_threshold", 0.25),
		stepsSetting("share_steps", domain.Bounded(0, 0.5, 1), domain.Unbounded(0.5, 6)),
	}, nil)

	calc := domain.ModelCalculation{
		CalcID:            "share",
		Strictness:        domain.StrictnessMustPass,
		ThresholdSetting:  "share_threshold",
		ScoreStepsSetting: "share_steps",
		ValueField:        "own_volume",
		ValueExpression:   "value / row.total_volume",
	}

	r := scorer.Score(context.Background(), calc,
		domain.CalculationOutput{"own_volume": 300.0, "total_volume": 400.0}, equity, snapshot)

	if r.Trace.RawValue != 300 || r.Trace.ComputedValue != 0.75 {
		t.Errorf("expected raw 300 computed 0.75, got %g / %g", r.Trace.RawValue, r.Trace.ComputedValue)
	}
	if !r.Trace.ThresholdPassed || r.Trace.Score != 6 {
		t.Errorf("expected thresholds and steps on the computed value, got %+v", r.Trace)
	}

	t.Run("ExpressionError", func(t *testing.T) {
		r := scorer.Score(context.Background(), calc,
			domain.CalculationOutput{"own_volume": 300.0}, equity, snapshot)
		if r.Trace.ThresholdPassed || !errors.Is(r.Errs[0], ErrExpression) {
			t.Errorf("expected expression failure, got %+v", r)
		}
	})
}

func TestAggregatorDecision(t *testing.T) {
	ctx := context.Background()

	t.Run("GatePath", func(t *testing.T) {
		alert := newAggregator(t, nil).Evaluate(ctx, evaluateInput(200, 0.2), washTradeSnapshot(100))
		if !alert.AlertFired || alert.TriggerPath != domain.TriggerAllPassed {
			t.Errorf("expected all_passed firing, got fired=%v path=%s", alert.AlertFired, alert.TriggerPath)
		}
		if alert.AccumulatedScore != 6 {
			t.Errorf("expected accumulated 6, got %d", alert.AccumulatedScore)
		}
	})

	t.Run("ScorePathWithFailedGate", func(t *testing.T) {
		// volume 120 fails the 150 threshold; ratio 0.9 scores 4 against threshold 3.
		alert := newAggregator(t, nil).Evaluate(ctx, evaluateInput(120, 0.9), washTradeSnapshot(3))
		if !alert.AlertFired {
			t.Fatal("expected the score path to fire")
		}
		if alert.TriggerPath != domain.TriggerScoreBased {
			t.Errorf("a failed MUST_PASS gate must never report all_passed, got %s", alert.TriggerPath)
		}
		if alert.CalculationScores[0].ThresholdPassed {
			t.Error("expected the volume calculation to fail its threshold")
		}
	})

	t.Run("NotFiredNearerMiss", func(t *testing.T) {
		alert := newAggregator(t, nil).Evaluate(ctx, evaluateInput(120, 0.9), washTradeSnapshot(5))
		if alert.AlertFired {
			t.Fatal("expected no alert")
		}
		// gate 0/1 against score 4/5
		if alert.TriggerPath != domain.TriggerScoreBased {
			t.Errorf("expected score_based as nearer miss, got %s", alert.TriggerPath)
		}
		if alert.ScoreThreshold != 5 {
			t.Errorf("expected score threshold 5, got %g", alert.ScoreThreshold)
		}
	})

	t.Run("NoMustPassNeverGates", func(t *testing.T) {
		model := washTradeModel()
		model.Calculations[0].Strictness = domain.StrictnessOptional
		input := evaluateInput(200, 0.2)
		input.Model = model

		alert := newAggregator(t, nil).Evaluate(ctx, input, washTradeSnapshot(100))
		if alert.AlertFired {
			t.Errorf("expected no alert without MUST_PASS calculations, got path %s", alert.TriggerPath)
		}
	})

	t.Run("UnresolvableScoreThreshold", func(t *testing.T) {
		model := washTradeModel()
		model.ScoreThresholdSetting = "missing_threshold"
		input := evaluateInput(120, 0.9)
		input.Model = model

		alert := newAggregator(t, nil).Evaluate(ctx, input, washTradeSnapshot(1))
		if alert.AlertFired {
			t.Error("expected no score-based firing without a threshold")
		}
		found := false
		for _, e := range alert.Errors {
			if strings.HasPrefix(e, "score threshold:") {
				found = true
			}
		}
		if !found {
			t.Errorf("expected score threshold error, got %v", alert.Errors)
		}
	})

	t.Run("PartialTraceOnCalculationError", func(t *testing.T) {
		input := evaluateInput(200, 0.2)
		delete(input.Outputs, "ratio")

		alert := newAggregator(t, nil).Evaluate(ctx, input, washTradeSnapshot(100))
		if len(alert.CalculationScores) != 2 {
			t.Fatalf("expected both calculations traced, got %d", len(alert.CalculationScores))
		}
		if alert.CalculationScores[1].Error == "" || len(alert.Errors) != 1 {
			t.Errorf("expected one recorded error, got %v", alert.Errors)
		}
		if !alert.AlertFired {
			t.Error("expected the gate to still fire")
		}
	})
}

func TestAggregatorTraceOrder(t *testing.T) {
	alert := newAggregator(t, nil).Evaluate(context.Background(), evaluateInput(200, 0.2), washTradeSnapshot(100))

	want := []string{"volume_threshold", "volume_steps", "ratio_steps", "wash_alert_threshold"}
	if len(alert.SettingsTrace) != len(want) {
		t.Fatalf("expected %d resolutions, got %d", len(want), len(alert.SettingsTrace))
	}
	for i, id := range want {
		if alert.SettingsTrace[i].SettingID != id {
			t.Errorf("settings trace %d: expected %s, got %s", i, id, alert.SettingsTrace[i].SettingID)
		}
	}
	if alert.CalculationScores[0].CalcID != "volume" || alert.CalculationScores[1].CalcID != "ratio" {
		t.Error("expected calculation scores in declaration order")
	}
}

func TestAggregatorIdempotent(t *testing.T) {
	aggregator := newAggregator(t, nil)
	snapshot := washTradeSnapshot(8)

	first, _ := json.Marshal(aggregator.Evaluate(context.Background(), evaluateInput(200, 0.9), snapshot))
	for i := 0; i < 5; i++ {
		again, _ := json.Marshal(aggregator.Evaluate(context.Background(), evaluateInput(200, 0.9), snapshot))
		if string(again) != string(first) {
			t.Fatalf("run %d differs:\n%s\n%s", i, first, again)
		}
	}

	other := evaluateInput(200, 0.9)
	other.Timestamp = other.Timestamp.Add(time.Second)
	if AlertID(other) == AlertID(evaluateInput(200, 0.9)) {
		t.Error("expected a different alert id for a different timestamp")
	}
}

func TestAlertIDNonFiniteOutputs(t *testing.T) {
	nan := evaluateInput(math.NaN(), 0.9)
	inf := evaluateInput(math.Inf(1), 0.9)
	inf.TenantID = "tenant-002"
	inf.Timestamp = inf.Timestamp.Add(time.Hour)

	if AlertID(nan) == AlertID(inf) {
		t.Fatal("expected distinct alert ids for distinct inputs with non-finite outputs")
	}
	if AlertID(nan) != AlertID(evaluateInput(math.NaN(), 0.9)) {
		t.Error("expected a stable alert id for identical inputs")
	}

	negInf := evaluateInput(math.Inf(-1), 0.9)
	negInf.TenantID = inf.TenantID
	negInf.Timestamp = inf.Timestamp
	if AlertID(inf) == AlertID(negInf) {
		t.Error("expected +Inf and -Inf outputs to produce different alert ids")
	}

	// The same number as int and float64 names the same alert.
	asInt := evaluateInput(200, 0.9)
	asInt.Outputs["volume"] = domain.CalculationOutput{"value": 200}
	if AlertID(asInt) != AlertID(evaluateInput(200, 0.9)) {
		t.Error("expected numeric outputs to be named by value, not Go type")
	}
}

func TestAggregatorMissingMustPassOutput(t *testing.T) {
	input := evaluateInput(200, 0.9)
	delete(input.Outputs, "volume")

	alert := newAggregator(t, nil).Evaluate(context.Background(), input, washTradeSnapshot(100))

	if alert.AlertFired {
		t.Fatalf("expected a missing MUST_PASS output to keep the alert closed, got %+v", alert)
	}
	volume := alert.CalculationScores[0]
	if volume.CalcID != "volume" || volume.ThresholdPassed || volume.Error == "" {
		t.Errorf("expected failed volume trace with an error, got %+v", volume)
	}
}

func TestAggregatorMetrics(t *testing.T) {
	m := metrics.New()
	input := evaluateInput(200, 0.2)
	delete(input.Outputs, "ratio")

	newAggregator(t, m).Evaluate(context.Background(), input, washTradeSnapshot(100))

	if got := testutil.ToFloat64(m.AlertEvaluations.WithLabelValues("true", "all_passed")); got != 1 {
		t.Errorf("expected 1 fired evaluation, got %v", got)
	}
	if got := testutil.ToFloat64(m.CalculationErrors.WithLabelValues("missing_value")); got != 1 {
		t.Errorf("expected 1 missing_value error, got %v", got)
	}
}
