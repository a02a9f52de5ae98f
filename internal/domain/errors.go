package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrResolutionType marks a resolved value that does not match the
	// setting's declared value type.
	ErrResolutionType = errors.New("resolution type error")

	// ErrNoMatchingTier marks a score-step evaluation with no containing tier.
	ErrNoMatchingTier = errors.New("no matching tier")

	ErrSettingNotFound = errors.New("setting not found")
	ErrModelNotFound   = errors.New("model not found")
)

// ResolutionTypeError describes a value that failed the declared type check.
type ResolutionTypeError struct {
	SettingID string
	Expected  ValueType
	Got       string
}

func (e *ResolutionTypeError) Error() string {
	return fmt.Sprintf("setting %s: resolved value is %s, declared %s", e.SettingID, e.Got, e.Expected)
}

func (e *ResolutionTypeError) Unwrap() error {
	return ErrResolutionType
}
