package domain

import "fmt"

// ScoreStep maps the half-open range [MinValue, MaxValue) to a score.
// A nil MaxValue means the step is unbounded above.
type ScoreStep struct {
	MinValue float64  `json:"min_value" yaml:"min_value"`
	MaxValue *float64 `json:"max_value" yaml:"max_value"`
	Score    int      `json:"score" yaml:"score"`
}

// Contains reports whether v falls inside the step.
func (s ScoreStep) Contains(v float64) bool {
	if v < s.MinValue {
		return false
	}
	return s.MaxValue == nil || v < *s.MaxValue
}

// String renders the step as "[min, max) -> score".
func (s ScoreStep) String() string {
	if s.MaxValue == nil {
		return fmt.Sprintf("[%g, +inf) -> %d", s.MinValue, s.Score)
	}
	return fmt.Sprintf("[%g, %g) -> %d", s.MinValue, *s.MaxValue, s.Score)
}

// Bounded builds a step with an upper bound.
func Bounded(min, max float64, score int) ScoreStep {
	return ScoreStep{MinValue: min, MaxValue: &max, Score: score}
}

// Unbounded builds a step with no upper bound.
func Unbounded(min float64, score int) ScoreStep {
	return ScoreStep{MinValue: min, Score: score}
}
