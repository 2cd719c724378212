package pipeline

import (
	"fmt"

	"github.com/okian/rolodex/internal/domain/model"
	"github.com/okian/rolodex/internal/domain/recovery"
	"github.com/okian/rolodex/pkg/logger"
)

// Default run options.
const (
	DefaultBatchSize           = 100
	DefaultMaxParallelBatches  = 4
	DefaultSimilarityThreshold = 0.8
	// loosenFactor scales the threshold when grouping is retried.
	loosenFactor = 0.9
)

// Options are the per-run settings of ProcessContacts. Callbacks are invoked
// one at a time and never concurrently with each other.
type Options struct {
	BatchSize           int
	MaxParallelBatches  int
	SimilarityThreshold float64

	OnProgress              func(percent float64, stage Stage)
	OnBatchProcessed        func(records []model.ContactRecord, stage Stage)
	OnNormalizationComplete func(records []model.ContactRecord)
	OnError                 func(err *recovery.ImportError)
}

// DefaultOptions returns options with the default sizes and no callbacks.
func DefaultOptions() Options {
	return Options{
		BatchSize:           DefaultBatchSize,
		MaxParallelBatches:  DefaultMaxParallelBatches,
		SimilarityThreshold: DefaultSimilarityThreshold,
	}
}

func (o Options) validate() error {
	if o.BatchSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, o.BatchSize)
	}
	if o.MaxParallelBatches <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidParallelism, o.MaxParallelBatches)
	}
	if o.SimilarityThreshold <= 0 || o.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, o.SimilarityThreshold)
	}
	return nil
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFallbackNormalizer sets the normalizer used to recover a batch whose
// primary normalization failed.
func WithFallbackNormalizer(n Normalizer) Option {
	return func(o *Orchestrator) {
		o.fallback = n
	}
}

// WithRecoverer sets the error recoverer.
func WithRecoverer(r *recovery.Recoverer) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recoverer = r
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}
