package types

import "errors"

// Errors shared by the service and its transports.
var (
	ErrNotStarted      = errors.New("service not started")
	ErrEmptyUpload     = errors.New("upload is empty")
	ErrUploadTooLarge  = errors.New("upload exceeds the size limit")
	ErrDuplicateUpload = errors.New("upload already submitted")
	ErrQueueFull       = errors.New("import queue is full")
	ErrJobNotFound     = errors.New("import job not found")
	ErrJobFinished     = errors.New("import job already finished")
)
