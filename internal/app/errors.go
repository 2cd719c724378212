package service

import (
	"errors"

	"github.com/okian/rolodex/internal/domain/types"
)

// Sentinel kinds for service errors. The upload and job errors are declared
// in types so transports can match them without importing the service.
var (
	ErrNotStarted      = types.ErrNotStarted
	ErrEmptyUpload     = types.ErrEmptyUpload
	ErrUploadTooLarge  = types.ErrUploadTooLarge
	ErrDuplicateUpload = types.ErrDuplicateUpload
	ErrQueueFull       = types.ErrQueueFull
	ErrJobNotFound     = types.ErrJobNotFound
	ErrJobFinished     = types.ErrJobFinished
	ErrNoContacts      = errors.New("no contacts found in upload")
)
