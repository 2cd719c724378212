package recovery

import "errors"

// Sentinels used to classify errors raised outside this package. Wrap them
// (fmt.Errorf("...: %w", ErrDatabase)) and Classify picks the kind up.
var (
	ErrFileRead           = errors.New("file read failed")
	ErrFileParse          = errors.New("file parse failed")
	ErrFileFormat         = errors.New("unrecognised file format")
	ErrNormalization      = errors.New("normalization failed")
	ErrDuplicateDetection = errors.New("duplicate detection failed")
	ErrDatabase           = errors.New("database operation failed")
	ErrValidation         = errors.New("validation failed")
)
