// Package scoring turns calculation outputs into per-calculation scores and
// aggregates them into the alert decision of a detection model.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/surveil/internal/domain"
	"github.com/opensource-finance/surveil/internal/expr"
	"github.com/opensource-finance/surveil/internal/resolver"
	"github.com/opensource-finance/surveil/internal/scoresteps"
)

// ErrMissingValue marks a calculation output without a usable numeric value.
var ErrMissingValue = errors.New("missing calculation value")

// ErrExpression marks a failed value expression.
var ErrExpression = errors.New("value expression failed")

// ErrSettingShape marks a setting that resolved to a value the scorer cannot use,
// e.g. a string threshold.
var ErrSettingShape = errors.New("setting has unusable value type")

// Scorer scores single calculations.
type Scorer struct {
	resolver resolver.Resolver
	exprs    *expr.Engine
}

// NewScorer creates a scorer. exprs may be nil when no model uses value
// expressions; a calculation that declares one then scores as an error.
func NewScorer(r resolver.Resolver, exprs *expr.Engine) *Scorer {
	return &Scorer{resolver: r, exprs: exprs}
}

// CalculationResult is the outcome of scoring one calculation.
type CalculationResult struct {
	Trace domain.CalculationScoreTrace

	// Resolutions lists the settings used, threshold first then score steps.
	Resolutions []domain.SettingsResolution

	// Errs holds every failure recorded in Trace.Error.
	Errs []error
}

func (r *CalculationResult) fail(err error) {
	r.Errs = append(r.Errs, err)
}

func (r *CalculationResult) finish() {
	if len(r.Errs) == 0 {
		return
	}
	msgs := make([]string, len(r.Errs))
	for i, err := range r.Errs {
		msgs[i] = err.Error()
	}
	r.Trace.Error = strings.Join(msgs, "; ")
}

// Score reads the raw value from output and scores it.
func (s *Scorer) Score(ctx context.Context, calc domain.ModelCalculation, output domain.CalculationOutput, entity domain.Context, settings domain.SettingLookup) CalculationResult {
	raw, err := RawValue(output, calc.Field())
	if err != nil {
		// Without a value nothing is resolved, and the calculation counts
		// as failed: a MUST_PASS calculation with no output closes the gate.
		result := CalculationResult{
			Trace: domain.CalculationScoreTrace{
				CalcID:          calc.CalcID,
				Strictness:      calc.Strictness,
				ThresholdPassed: false,
			},
		}
		result.fail(err)
		result.finish()
		return result
	}
	return s.ScoreValue(ctx, calc, raw, output, entity, settings)
}

// ScoreValue scores a raw value. The computed value (raw, or the value
// expression's result) is compared with the resolved threshold and looked up
// in the resolved score steps. A calculation with neither setting scores 0
// and passes. A configured threshold that fails, or cannot be resolved,
// zeroes the score.
func (s *Scorer) ScoreValue(ctx context.Context, calc domain.ModelCalculation, raw float64, row domain.CalculationOutput, entity domain.Context, settings domain.SettingLookup) (result CalculationResult) {
	result = CalculationResult{
		Trace: domain.CalculationScoreTrace{
			CalcID:          calc.CalcID,
			RawValue:        raw,
			ComputedValue:   raw,
			Strictness:      calc.Strictness,
			ThresholdPassed: true,
		},
	}
	defer result.finish()

	if calc.ValueExpression != "" {
		computed, err := s.compute(calc.ValueExpression, raw, row, entity)
		if err != nil {
			result.Trace.ThresholdPassed = false
			result.fail(fmt.Errorf("%w: %v", ErrExpression, err))
			return result
		}
		result.Trace.ComputedValue = computed
	}
	value := result.Trace.ComputedValue

	if calc.ThresholdSetting != "" {
		threshold, err := s.resolveNumber(ctx, calc.ThresholdSetting, entity, settings, &result)
		if err != nil {
			result.Trace.ThresholdPassed = false
			result.fail(fmt.Errorf("threshold: %w", err))
		} else {
			result.Trace.Threshold = &threshold
			result.Trace.ThresholdPassed = value >= threshold
		}
	}

	if calc.ScoreStepsSetting != "" {
		step, err := s.matchStep(ctx, calc.ScoreStepsSetting, value, entity, settings, &result)
		if err != nil {
			result.fail(fmt.Errorf("score steps: %w", err))
		} else {
			result.Trace.ScoreStepMatched = &step
			result.Trace.Score = step.Score
		}
	}

	if !result.Trace.ThresholdPassed {
		result.Trace.Score = 0
	}
	return result
}

func (s *Scorer) compute(expression string, raw float64, row domain.CalculationOutput, entity domain.Context) (float64, error) {
	if s.exprs == nil {
		return 0, fmt.Errorf("no expression engine configured")
	}
	return s.exprs.Compute(expression, raw, row, entity)
}

// resolve looks up and resolves a setting, appending the resolution record
// to result even when the resolution fails its type check.
func (s *Scorer) resolve(ctx context.Context, settingID string, entity domain.Context, settings domain.SettingLookup, result *CalculationResult) (*domain.SettingsResolution, error) {
	setting, err := settings.Setting(settingID)
	if err != nil {
		return nil, err
	}
	res, err := s.resolver.Resolve(ctx, setting, entity)
	if res != nil {
		result.Resolutions = append(result.Resolutions, *res)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Scorer) resolveNumber(ctx context.Context, settingID string, entity domain.Context, settings domain.SettingLookup, result *CalculationResult) (float64, error) {
	res, err := s.resolve(ctx, settingID, entity, settings, result)
	if err != nil {
		return 0, err
	}
	n, ok := domain.Numeric(res.ResolvedValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s resolved to %s, want decimal or integer",
			ErrSettingShape, settingID, domain.TypeOf(res.ResolvedValue))
	}
	return n, nil
}

func (s *Scorer) matchStep(ctx context.Context, settingID string, value float64, entity domain.Context, settings domain.SettingLookup, result *CalculationResult) (domain.ScoreStep, error) {
	res, err := s.resolve(ctx, settingID, entity, settings, result)
	if err != nil {
		return domain.ScoreStep{}, err
	}
	tiers, ok := res.ResolvedValue.(domain.Tiers)
	if !ok {
		return domain.ScoreStep{}, fmt.Errorf("%w: %s resolved to %s, want score_steps",
			ErrSettingShape, settingID, domain.TypeOf(res.ResolvedValue))
	}
	return scoresteps.Evaluate(tiers, value)
}

// RawValue reads a numeric field from a calculation output.
func RawValue(output domain.CalculationOutput, field string) (float64, error) {
	v, ok := output[field]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: field %q not present", ErrMissingValue, field)
	}

	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: field %q: %v", ErrMissingValue, field, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: field %q is %T, not a number", ErrMissingValue, field, v)
	}
}

// errorKind labels an error for metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrNoMatchingTier):
		return "no_matching_tier"
	case errors.Is(err, domain.ErrResolutionType):
		return "resolution_type"
	case errors.Is(err, domain.ErrSettingNotFound):
		return "setting_not_found"
	case errors.Is(err, ErrSettingShape):
		return "setting_shape"
	case errors.Is(err, ErrMissingValue):
		return "missing_value"
	case errors.Is(err, ErrExpression):
		return "expression"
	}
	return "other"
}
