package parser

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat is returned when a format is unknown or cannot be detected.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrMalformed marks content that does not follow its format.
	ErrMalformed = errors.New("malformed contact file")
	// ErrNoHeader is returned for tabular files without a header row.
	ErrNoHeader = errors.New("missing header row")
)

// ParseError locates a parse failure. Line is 1-based and 0 when unknown.
type ParseError struct {
	Format Format
	Line   int
	Err    error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s line %d: %v", e.Format, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Format, e.Err)
}

// Unwrap exposes both ErrMalformed and the underlying cause.
func (e *ParseError) Unwrap() []error { return []error{ErrMalformed, e.Err} }
