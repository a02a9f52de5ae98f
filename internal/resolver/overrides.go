package resolver

import "github.com/opensource-finance/surveil/internal/domain"

// TieBreak records which rule separated the winner from an equally specific rival.
type TieBreak int

const (
	// TieNone means the winner was strictly the most specific match.
	TieNone TieBreak = iota

	// TieByPriority means an equally specific rival lost on priority.
	TieByPriority

	// TieByDeclaration means a rival with equal specificity and priority
	// lost because it was declared later.
	TieByDeclaration
)

// Outcome is the result of picking among a setting's overrides.
type Outcome struct {
	// Winner is nil when no override matched.
	Winner      *domain.Override
	Specificity int
	Tie         TieBreak

	// Evaluations has one entry per override, in declaration order.
	Evaluations []domain.OverrideEvaluation
}

// ResolveOverrides selects the matching override with the highest
// specificity, then the highest priority, then the earliest declaration.
func ResolveOverrides(overrides []domain.Override, entity domain.Context) Outcome {
	out := Outcome{
		Evaluations: make([]domain.OverrideEvaluation, len(overrides)),
	}

	winner := -1
	for i, o := range overrides {
		matched, specificity := Matches(o.Match, entity)
		out.Evaluations[i] = domain.OverrideEvaluation{
			Match:          o.Match,
			Value:          o.Value,
			Priority:       o.Priority,
			ContextMatched: matched,
		}
		if !matched {
			continue
		}
		if winner < 0 || beats(specificity, o.Priority, out.Specificity, overrides[winner].Priority) {
			winner = i
			out.Specificity = specificity
		}
	}

	if winner < 0 {
		return out
	}

	out.Evaluations[winner].IsSelected = true
	selected := overrides[winner]
	out.Winner = &selected
	out.Tie = tieBreak(out, winner, overrides)
	return out
}

func beats(specificity, priority, bestSpecificity, bestPriority int) bool {
	if specificity != bestSpecificity {
		return specificity > bestSpecificity
	}
	return priority > bestPriority
}

func tieBreak(out Outcome, winner int, overrides []domain.Override) TieBreak {
	tie := TieNone
	for i, e := range out.Evaluations {
		if i == winner || !e.ContextMatched || len(e.Match) != out.Specificity {
			continue
		}
		if e.Priority == overrides[winner].Priority {
			return TieByDeclaration
		}
		tie = TieByPriority
	}
	return tie
}
