package similarity

import "errors"

var (
	// ErrInvalidWeights is returned when weights are negative or all zero.
	ErrInvalidWeights = errors.New("invalid similarity weights")
	// ErrUnknownGrouping is returned for an unrecognised grouping mode.
	ErrUnknownGrouping = errors.New("unknown grouping mode")
)
