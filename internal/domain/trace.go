package domain

import (
	"encoding/json"
	"time"
)

// OverrideEvaluation records how one override fared during a resolution.
type OverrideEvaluation struct {
	Match          MatchPattern `json:"match"`
	Value          Value        `json:"value"`
	Priority       int          `json:"priority"`
	ContextMatched bool         `json:"context_matched"`
	IsSelected     bool         `json:"is_selected"`
}

// UnmarshalJSON keeps the value pending; see SettingsResolution.
func (e *OverrideEvaluation) UnmarshalJSON(data []byte) error {
	var aux struct {
		Match          MatchPattern    `json:"match"`
		Value          json.RawMessage `json:"value"`
		Priority       int             `json:"priority"`
		ContextMatched bool            `json:"context_matched"`
		IsSelected     bool            `json:"is_selected"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = OverrideEvaluation{
		Match:          aux.Match,
		Value:          Raw{Data: aux.Value},
		Priority:       aux.Priority,
		ContextMatched: aux.ContextMatched,
		IsSelected:     aux.IsSelected,
	}
	return nil
}

// SettingsResolution is the write-once record of one resolution call.
type SettingsResolution struct {
	SettingID           string               `json:"setting_id"`
	SettingName         string               `json:"setting_name"`
	ValueType           ValueType            `json:"value_type"`
	ResolvedValue       Value                `json:"resolved_value"`
	MatchedOverride     *Override            `json:"matched_override"`
	Why                 string               `json:"why"`
	DefaultValue        Value                `json:"default_value"`
	OverrideEvaluations []OverrideEvaluation `json:"override_evaluations"`
	Error               string               `json:"error,omitempty"`
}

// UnmarshalJSON decodes every embedded value using value_type.
func (r *SettingsResolution) UnmarshalJSON(data []byte) error {
	type alias SettingsResolution
	var aux struct {
		alias
		ResolvedValue json.RawMessage `json:"resolved_value"`
		DefaultValue  json.RawMessage `json:"default_value"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*r = SettingsResolution(aux.alias)
	r.ResolvedValue = decodeLenient(r.ValueType, aux.ResolvedValue)
	r.DefaultValue = decodeLenient(r.ValueType, aux.DefaultValue)
	if r.MatchedOverride != nil {
		r.MatchedOverride.Value = retype(r.ValueType, r.MatchedOverride.Value)
	}
	for i := range r.OverrideEvaluations {
		r.OverrideEvaluations[i].Value = retype(r.ValueType, r.OverrideEvaluations[i].Value)
	}
	return nil
}

// CalculationScoreTrace explains one calculation's contribution to an alert.
type CalculationScoreTrace struct {
	CalcID           string     `json:"calc_id"`
	Score            int        `json:"score"`
	RawValue         float64    `json:"raw_value"`
	ComputedValue    float64    `json:"computed_value"`
	Strictness       Strictness `json:"strictness"`
	ThresholdPassed  bool       `json:"threshold_passed"`
	ScoreStepMatched *ScoreStep `json:"score_step_matched"`
	Threshold        *float64   `json:"threshold,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// TriggerPath names which firing condition caused (or nearly caused) an alert.
type TriggerPath string

const (
	TriggerAllPassed  TriggerPath = "all_passed"
	TriggerScoreBased TriggerPath = "score_based"
)

// AlertTrace is the complete, write-once explanation of one alert evaluation.
type AlertTrace struct {
	AlertID           string                  `json:"alert_id"`
	ModelID           string                  `json:"model_id"`
	TenantID          string                  `json:"tenant_id,omitempty"`
	Timestamp         time.Time               `json:"timestamp"`
	AlertFired        bool                    `json:"alert_fired"`
	TriggerPath       TriggerPath             `json:"trigger_path"`
	AccumulatedScore  int                     `json:"accumulated_score"`
	ScoreThreshold    float64                 `json:"score_threshold"`
	CalculationScores []CalculationScoreTrace `json:"calculation_scores"`
	SettingsTrace     []SettingsResolution    `json:"settings_trace"`
	Errors            []string                `json:"errors,omitempty"`
}
