package resolver

import (
	"context"
	"fmt"

	"github.com/opensource-finance/surveil/internal/domain"
	"github.com/opensource-finance/surveil/internal/metrics"
)

// Resolver resolves a setting for an entity context.
type Resolver interface {
	Resolve(ctx context.Context, setting *domain.Setting, entity domain.Context) (*domain.SettingsResolution, error)
}

// Service is the stateless settings resolution service.
type Service struct {
	metrics *metrics.Metrics
}

// NewService creates a resolution service. m may be nil.
func NewService(m *metrics.Metrics) *Service {
	return &Service{metrics: m}
}

// Resolve picks the winning override (or the default) and type-checks the
// result against the setting's value type. On a type mismatch the returned
// resolution is still complete and carries the error text.
func (s *Service) Resolve(_ context.Context, setting *domain.Setting, entity domain.Context) (*domain.SettingsResolution, error) {
	out := ResolveOverrides(setting.Overrides, entity)

	res := &domain.SettingsResolution{
		SettingID:           setting.SettingID,
		SettingName:         setting.Name,
		ValueType:           setting.ValueType,
		DefaultValue:        setting.Default,
		OverrideEvaluations: out.Evaluations,
	}

	outcome := metrics.OutcomeDefault
	if out.Winner != nil {
		outcome = metrics.OutcomeOverride
		res.ResolvedValue = out.Winner.Value
		res.MatchedOverride = out.Winner
		res.Why = fmt.Sprintf("matched override with priority %d and %d matching key(s)",
			out.Winner.Priority, out.Specificity) + tieNarrative(setting.EffectiveMatchType(), out.Tie)
	} else {
		res.ResolvedValue = setting.Default
		res.Why = "no override matched; used default"
	}

	if err := checkType(setting, res.ResolvedValue); err != nil {
		res.Error = err.Error()
		s.metrics.RecordResolution(metrics.OutcomeTypeError)
		return res, err
	}

	s.metrics.RecordResolution(outcome)
	return res, nil
}

func checkType(setting *domain.Setting, v domain.Value) error {
	if !setting.ValueType.Valid() || v == nil || v.Type() != setting.ValueType {
		return &domain.ResolutionTypeError{
			SettingID: setting.SettingID,
			Expected:  setting.ValueType,
			Got:       domain.TypeOf(v),
		}
	}
	return nil
}

func tieNarrative(mt domain.MatchType, tie TieBreak) string {
	switch {
	case tie == TieByPriority && mt == domain.MatchTypeMultiDimensional:
		return "; other overrides matched as many independent dimensions and lost on priority"
	case tie == TieByDeclaration && mt == domain.MatchTypeMultiDimensional:
		return "; other overrides matched as many independent dimensions with equal priority and were declared later"
	case tie == TieByPriority:
		return "; other overrides at the same hierarchy level lost on priority"
	case tie == TieByDeclaration:
		return "; other overrides at the same hierarchy level had equal priority and were declared later"
	}
	return ""
}
