package merge

import "errors"

var (
	// ErrUnknownStrategy is returned for an unrecognised blanket strategy.
	ErrUnknownStrategy = errors.New("unknown merge strategy")
	// ErrInvalidFieldRule is returned for a malformed per-field rule.
	ErrInvalidFieldRule = errors.New("invalid field merge rule")
)
