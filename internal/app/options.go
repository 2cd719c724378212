package service

import (
	"time"

	"github.com/okian/rolodex/internal/adapters/repository"
	"github.com/okian/rolodex/internal/domain/merge"
	"github.com/okian/rolodex/internal/domain/normalize"
	"github.com/okian/rolodex/internal/domain/recovery"
	"github.com/okian/rolodex/internal/domain/similarity"
	"github.com/okian/rolodex/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithWorkerCount sets the number of import workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum number of pending import jobs.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets how many upload fingerprints are remembered.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithMaxUploadBytes caps the accepted upload size.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxUploadBytes = n
		}
	}
}

// WithStore sets the contact store. The service owns it and closes it on Stop.
func WithStore(store repository.Store, driver string) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
			s.storeDriver = driver
		}
	}
}

// WithReporter sets the sink every import error is reported to.
func WithReporter(r recovery.Reporter) Option {
	return func(s *Service) {
		if r != nil {
			s.reporter = r
		}
	}
}

// WithNormalizationRules adds custom rules after the built-in ones.
func WithNormalizationRules(rules ...normalize.Rule) Option {
	return func(s *Service) {
		s.normalizeRules = append(s.normalizeRules, rules...)
	}
}

// WithMergeStrategy sets the default strategy for conflicting records.
func WithMergeStrategy(strategy merge.Strategy, rules ...merge.FieldRule) Option {
	return func(s *Service) {
		if strategy != "" {
			s.strategy = strategy
		}
		s.mergeRules = append(s.mergeRules, rules...)
	}
}

// WithCollapseDuplicates folds each duplicate group found inside an upload
// into one record before it is compared with the store.
func WithCollapseDuplicates(collapse bool) Option {
	return func(s *Service) {
		s.collapse = collapse
	}
}

// WithBatching sets the pipeline batch size and parallelism.
func WithBatching(batchSize, maxParallel int) Option {
	return func(s *Service) {
		if batchSize > 0 {
			s.batchSize = batchSize
		}
		if maxParallel > 0 {
			s.maxParallel = maxParallel
		}
	}
}

// WithSimilarity sets the default duplicate threshold and grouping mode.
func WithSimilarity(threshold float64, mode similarity.GroupingMode) Option {
	return func(s *Service) {
		if threshold > 0 && threshold <= 1 {
			s.threshold = threshold
		}
		if mode != "" {
			s.grouping = mode
		}
	}
}

// WithRetry sets the retry policy for store writes.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(s *Service) {
		if maxRetries >= 0 {
			s.retryMax = maxRetries
		}
		if baseDelay > 0 {
			s.retryDelay = baseDelay
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides how run and job ids are generated.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}
