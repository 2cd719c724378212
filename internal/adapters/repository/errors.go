package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrNotFound      = errors.New("contact not found")
	ErrRunNotFound   = errors.New("import run not found")
	ErrMissingID     = errors.New("contact id is required")
	ErrClosed        = errors.New("store is closed")
	ErrUnknownDriver = errors.New("unknown store driver")
	ErrInvalidLimit  = errors.New("invalid list limit")
)
