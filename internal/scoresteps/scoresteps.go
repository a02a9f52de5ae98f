// Package scoresteps validates and evaluates tiered value-to-score tables.
package scoresteps

import (
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/surveil/internal/domain"
)

// WarningKind classifies a problem found in a score-step table.
type WarningKind string

const (
	WarningGap          WarningKind = "gap"
	WarningOverlap      WarningKind = "overlap"
	WarningNonMonotonic WarningKind = "non-monotonic"
)

// Warning is an advisory finding. Warnings never block evaluation.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	From    float64     `json:"from"`
	To      float64     `json:"to"`
	Message string      `json:"message"`
}

// SegmentKind classifies a rendered segment.
type SegmentKind string

const (
	SegmentStep    SegmentKind = "step"
	SegmentGap     SegmentKind = "gap"
	SegmentOverlap SegmentKind = "overlap"
)

// unboundedWidth is the drawn width of a step with no upper bound.
const unboundedWidth = 10

// Segment is one drawable piece of a table, for inspection tooling only.
type Segment struct {
	Kind      SegmentKind `json:"kind"`
	Start     float64     `json:"start"`
	End       float64     `json:"end"`
	Width     float64     `json:"width"`
	Score     *int        `json:"score,omitempty"`
	Unbounded bool        `json:"unbounded,omitempty"`
}

// Sorted returns a copy of steps ordered by MinValue. Steps with equal
// MinValue keep their declared order.
func Sorted(steps []domain.ScoreStep) []domain.ScoreStep {
	sorted := make([]domain.ScoreStep, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinValue < sorted[j].MinValue
	})
	return sorted
}

// discontinuity returns the gap or overlap between adjacent sorted steps a and b.
func discontinuity(a, b domain.ScoreStep) (WarningKind, float64, float64, bool) {
	if a.MaxValue == nil {
		return "", 0, 0, false
	}
	aMax := *a.MaxValue
	switch {
	case aMax < b.MinValue:
		return WarningGap, aMax, b.MinValue, true
	case aMax > b.MinValue:
		end := aMax
		if b.MaxValue != nil {
			end = math.Min(aMax, *b.MaxValue)
		}
		return WarningOverlap, b.MinValue, end, true
	}
	return "", 0, 0, false
}

// Validate reports gaps and overlaps between every adjacent pair, and the
// first score decrease only. Monotonicity stops at the first violation while
// gap and overlap detection is exhaustive.
func Validate(steps []domain.ScoreStep) []Warning {
	sorted := Sorted(steps)
	var warnings []Warning

	for i := 0; i+1 < len(sorted); i++ {
		kind, from, to, ok := discontinuity(sorted[i], sorted[i+1])
		if !ok {
			continue
		}
		warnings = append(warnings, Warning{
			Kind:    kind,
			From:    from,
			To:      to,
			Message: fmt.Sprintf("%s between %g and %g", kind, from, to),
		})
	}

	for i := 0; i+1 < len(sorted); i++ {
		if sorted[i].Score > sorted[i+1].Score {
			warnings = append(warnings, Warning{
				Kind: WarningNonMonotonic,
				From: sorted[i].MinValue,
				To:   sorted[i+1].MinValue,
				Message: fmt.Sprintf("score decreases from %d to %d at %g",
					sorted[i].Score, sorted[i+1].Score, sorted[i+1].MinValue),
			})
			break
		}
	}

	return warnings
}

// Segments lays out one segment per step plus one per adjacent gap or overlap.
// Steps with no upper bound are drawn unboundedWidth wide.
func Segments(steps []domain.ScoreStep) []Segment {
	sorted := Sorted(steps)
	segments := make([]Segment, 0, len(sorted)*2)

	for i, step := range sorted {
		score := step.Score
		seg := Segment{
			Kind:  SegmentStep,
			Start: step.MinValue,
			Score: &score,
		}
		if step.MaxValue == nil {
			seg.End = step.MinValue + unboundedWidth
			seg.Unbounded = true
		} else {
			seg.End = *step.MaxValue
		}
		seg.Width = seg.End - seg.Start
		segments = append(segments, seg)

		if i+1 < len(sorted) {
			if kind, from, to, ok := discontinuity(step, sorted[i+1]); ok {
				segments = append(segments, Segment{
					Kind:  SegmentKind(kind),
					Start: from,
					End:   to,
					Width: to - from,
				})
			}
		}
	}

	return segments
}

// Evaluate returns the step containing value. Ranges are [min, max); when
// several steps contain the value the one with the lowest MinValue wins.
func Evaluate(steps []domain.ScoreStep, value float64) (domain.ScoreStep, error) {
	if math.IsNaN(value) {
		return domain.ScoreStep{}, fmt.Errorf("%w: value is NaN", domain.ErrNoMatchingTier)
	}

	for _, step := range Sorted(steps) {
		if step.Contains(value) {
			return step, nil
		}
	}

	return domain.ScoreStep{}, fmt.Errorf("%w: no tier contains %g", domain.ErrNoMatchingTier, value)
}

// Score is Evaluate returning only the matched score.
func Score(steps []domain.ScoreStep, value float64) (int, error) {
	step, err := Evaluate(steps, value)
	if err != nil {
		return 0, err
	}
	return step.Score, nil
}
