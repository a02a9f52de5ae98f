// Package resolver picks the winning override for a setting in a context and
// records why.
package resolver

import "github.com/opensource-finance/surveil/internal/domain"

// Matches reports whether every key of pattern is present in entity with an
// identical value. Specificity is the number of keys in the pattern; the
// empty pattern matches everything with specificity 0.
func Matches(pattern domain.MatchPattern, entity domain.Context) (bool, int) {
	for key, want := range pattern {
		got, ok := entity[key]
		if !ok || got != want {
			return false, len(pattern)
		}
	}
	return true, len(pattern)
}
