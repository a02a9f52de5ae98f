package domain

import "time"

// Strictness decides whether a calculation's threshold failure gates the alert.
type Strictness string

const (
	// StrictnessMustPass makes a threshold failure block the all_passed path.
	StrictnessMustPass Strictness = "MUST_PASS"

	// StrictnessOptional lets a threshold failure affect only the score.
	StrictnessOptional Strictness = "OPTIONAL"
)

// DefaultValueField is read from a calculation output when no field is named.
const DefaultValueField = "value"

// ModelCalculation attaches one calculation to a detection model.
type ModelCalculation struct {
	CalcID            string     `json:"calc_id"`
	Strictness        Strictness `json:"strictness"`
	ThresholdSetting  string     `json:"threshold_setting"`
	ScoreStepsSetting string     `json:"score_steps_setting"`
	ValueField        string     `json:"value_field"`

	// ValueExpression is an optional CEL expression deriving the computed
	// value from `value`, `row` and `context`.
	ValueExpression string `json:"value_expression,omitempty"`
}

// Field returns the output field holding the calculation's raw value.
func (c ModelCalculation) Field() string {
	if c.ValueField == "" {
		return DefaultValueField
	}
	return c.ValueField
}

// DetectionModel groups calculations whose scores decide whether an alert fires.
type DetectionModel struct {
	ModelID               string             `json:"model_id"`
	TenantID              string             `json:"tenant_id,omitempty"`
	Name                  string             `json:"name"`
	Description           string             `json:"description,omitempty"`
	Calculations          []ModelCalculation `json:"calculations"`
	ScoreThresholdSetting string             `json:"score_threshold_setting"`
	Enabled               bool               `json:"enabled"`
	CreatedAt             time.Time          `json:"created_at,omitempty"`
	UpdatedAt             time.Time          `json:"updated_at,omitempty"`
}

// CalculationOutput is one row produced by the external calculation system.
type CalculationOutput map[string]any
