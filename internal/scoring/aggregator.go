package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/surveil/internal/domain"
	"github.com/opensource-finance/surveil/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("surveil-scoring")

// alertNamespace scopes name-based alert IDs.
var alertNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://surveil.opensource-finance.dev/alerts"))

// Aggregator evaluates every calculation of a model and decides whether the
// model's alert fires. Calculations are scored concurrently; the trace keeps
// declaration order.
type Aggregator struct {
	scorer     *Scorer
	metrics    *metrics.Metrics
	maxWorkers int
}

// NewAggregator creates an aggregator. m may be nil.
func NewAggregator(scorer *Scorer, m *metrics.Metrics, maxWorkers int) *Aggregator {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	return &Aggregator{
		scorer:     scorer,
		metrics:    m,
		maxWorkers: maxWorkers,
	}
}

// EvaluateInput holds everything one alert evaluation depends on.
type EvaluateInput struct {
	TenantID string
	Model    *domain.DetectionModel

	// Outputs maps calc_id to that calculation's output row.
	Outputs   map[string]domain.CalculationOutput
	Context   domain.Context
	Timestamp time.Time
}

// Evaluate produces the alert trace for one model. It never fails: every
// problem is recorded in the trace so a partial trace is always available.
//
// The alert fires when every MUST_PASS calculation passed its threshold
// (all_passed, which needs at least one MUST_PASS calculation) or when the
// accumulated score reaches the resolved score threshold (score_based).
func (a *Aggregator) Evaluate(ctx context.Context, input *EvaluateInput, settings domain.SettingLookup) *domain.AlertTrace {
	start := time.Now()
	model := input.Model

	ctx, span := tracer.Start(ctx, "scoring.Evaluate",
		trace.WithAttributes(
			attribute.String("model.id", model.ModelID),
			attribute.String("tenant.id", input.TenantID),
			attribute.Int("calculations", len(model.Calculations)),
		),
	)
	defer span.End()

	alert := &domain.AlertTrace{
		AlertID:           AlertID(input),
		ModelID:           model.ModelID,
		TenantID:          input.TenantID,
		Timestamp:         input.Timestamp.UTC(),
		CalculationScores: make([]domain.CalculationScoreTrace, 0, len(model.Calculations)),
		SettingsTrace:     []domain.SettingsResolution{},
	}

	results := a.scoreAll(ctx, input, settings)

	mustPass, mustPassed := 0, 0
	for i, r := range results {
		alert.CalculationScores = append(alert.CalculationScores, r.Trace)
		alert.SettingsTrace = append(alert.SettingsTrace, r.Resolutions...)
		alert.AccumulatedScore += r.Trace.Score

		for _, err := range r.Errs {
			a.metrics.RecordCalculationError(errorKind(err))
			alert.Errors = append(alert.Errors, fmt.Sprintf("%s: %v", model.Calculations[i].CalcID, err))
		}

		if r.Trace.Strictness == domain.StrictnessMustPass {
			mustPass++
			if r.Trace.ThresholdPassed {
				mustPassed++
			}
		}
	}

	gatePassed := mustPass > 0 && mustPassed == mustPass

	threshold, thresholdOK := a.scoreThreshold(ctx, model, input.Context, settings, alert)
	alert.ScoreThreshold = threshold
	scorePassed := thresholdOK && float64(alert.AccumulatedScore) >= threshold

	alert.AlertFired = gatePassed || scorePassed
	switch {
	case gatePassed:
		alert.TriggerPath = domain.TriggerAllPassed
	case scorePassed:
		alert.TriggerPath = domain.TriggerScoreBased
	default:
		alert.TriggerPath = nearerMiss(mustPass, mustPassed, alert.AccumulatedScore, threshold, thresholdOK)
	}

	a.metrics.RecordEvaluation(alert.AlertFired, string(alert.TriggerPath), time.Since(start))
	span.SetAttributes(
		attribute.Bool("alert.fired", alert.AlertFired),
		attribute.String("alert.trigger_path", string(alert.TriggerPath)),
		attribute.Int("alert.accumulated_score", alert.AccumulatedScore),
	)

	return alert
}

// scoreAll scores the model's calculations with at most maxWorkers in flight.
func (a *Aggregator) scoreAll(ctx context.Context, input *EvaluateInput, settings domain.SettingLookup) []CalculationResult {
	calcs := input.Model.Calculations
	results := make([]CalculationResult, len(calcs))

	var wg sync.WaitGroup
	sem := make(chan struct{}, a.maxWorkers)

	for i, calc := range calcs {
		wg.Add(1)
		go func(idx int, c domain.ModelCalculation) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = a.scorer.Score(ctx, c, input.Outputs[c.CalcID], input.Context, settings)
		}(i, calc)
	}

	wg.Wait()
	return results
}

// scoreThreshold resolves the model's score threshold. Its resolution is
// appended to the settings trace after every calculation's settings.
func (a *Aggregator) scoreThreshold(ctx context.Context, model *domain.DetectionModel, entity domain.Context, settings domain.SettingLookup, alert *domain.AlertTrace) (float64, bool) {
	if model.ScoreThresholdSetting == "" {
		return 0, false
	}

	holder := CalculationResult{}
	threshold, err := a.scorer.resolveNumber(ctx, model.ScoreThresholdSetting, entity, settings, &holder)
	alert.SettingsTrace = append(alert.SettingsTrace, holder.Resolutions...)
	if err != nil {
		a.metrics.RecordCalculationError(errorKind(err))
		alert.Errors = append(alert.Errors, fmt.Sprintf("score threshold: %v", err))
		return 0, false
	}
	return threshold, true
}

// nearerMiss names the path that came closer to firing: the share of
// MUST_PASS calculations that passed against the share of the score
// threshold reached. Ties go to all_passed.
func nearerMiss(mustPass, mustPassed, accumulated int, threshold float64, thresholdOK bool) domain.TriggerPath {
	gate := 0.0
	if mustPass > 0 {
		gate = float64(mustPassed) / float64(mustPass)
	}

	score := 0.0
	if thresholdOK && threshold > 0 {
		score = float64(accumulated) / threshold
	}

	if score > gate {
		return domain.TriggerScoreBased
	}
	return domain.TriggerAllPassed
}

// AlertID derives a name-based UUID from the evaluation inputs so that
// re-running an evaluation reproduces its ID. Every input, including
// non-finite outputs, contributes to the name.
func AlertID(input *EvaluateInput) string {
	var b strings.Builder
	b.WriteString(strconv.Quote(input.TenantID))
	b.WriteByte('|')
	b.WriteString(strconv.Quote(input.Model.ModelID))
	b.WriteByte('|')
	b.WriteString(input.Timestamp.UTC().Format(time.RFC3339Nano))
	b.WriteByte('|')
	b.WriteString(input.Context.Canonical())

	for _, calcID := range sortedKeys(input.Outputs) {
		row := input.Outputs[calcID]
		b.WriteByte('|')
		b.WriteString(strconv.Quote(calcID))
		for _, field := range sortedKeys(row) {
			b.WriteByte(',')
			b.WriteString(strconv.Quote(field))
			b.WriteByte(':')
			b.WriteString(outputValue(row[field]))
		}
	}
	return uuid.NewSHA1(alertNamespace, []byte(b.String())).String()
}

// outputValue renders one output field for AlertID. Numbers render the
// same whatever their Go type.
func outputValue(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'g', -1, 64)
	case int:
		return strconv.FormatFloat(float64(n), 'g', -1, 64)
	case int64:
		return strconv.FormatFloat(float64(n), 'g', -1, 64)
	case int32:
		return strconv.FormatFloat(float64(n), 'g', -1, 64)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return strconv.Quote(n.String())
	case string:
		return strconv.Quote(n)
	default:
		return fmt.Sprintf("%#v", v)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
