package normalize

import "errors"

var (
	// ErrInvalidRule is returned when a rule cannot be registered.
	ErrInvalidRule = errors.New("invalid normalization rule")
	// ErrRulePanic marks a rule that panicked while being applied.
	ErrRulePanic = errors.New("normalization rule panicked")
)
