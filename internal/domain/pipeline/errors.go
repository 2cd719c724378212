package pipeline

import "errors"

var (
	ErrEmptyInput          = errors.New("no records to process")
	ErrInvalidBatchSize    = errors.New("batch size must be positive")
	ErrInvalidParallelism  = errors.New("max parallel batches must be positive")
	ErrInvalidThreshold    = errors.New("similarity threshold must be in (0,1]")
	ErrAlreadyRunning      = errors.New("orchestrator is already running")
	ErrCancelled           = errors.New("pipeline cancelled")
	errBatchPanicked       = errors.New("batch panicked")
	errGroupingUnavailable = errors.New("no grouping result")
)
