package contactgen

import "errors"

var (
	// ErrInvalidCount is returned when fewer than one contact is requested.
	ErrInvalidCount = errors.New("contact count must be positive")
	// ErrUnsupportedFormat is returned by Write for formats it cannot produce.
	ErrUnsupportedFormat = errors.New("unsupported output format")
)
