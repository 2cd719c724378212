// Package service wires the import pipeline together and implements the
// operations the HTTP API and the CLI depend on.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/rolodex/internal/adapters/mq/queue"
	"github.com/okian/rolodex/internal/adapters/mq/worker"
	"github.com/okian/rolodex/internal/adapters/notify"
	"github.com/okian/rolodex/internal/adapters/parser"
	"github.com/okian/rolodex/internal/adapters/repository"
	"github.com/okian/rolodex/internal/domain/dedupe"
	"github.com/okian/rolodex/internal/domain/merge"
	"github.com/okian/rolodex/internal/domain/normalize"
	"github.com/okian/rolodex/internal/domain/pipeline"
	"github.com/okian/rolodex/internal/domain/recovery"
	"github.com/okian/rolodex/internal/domain/similarity"
	"github.com/okian/rolodex/internal/domain/types"
	"github.com/okian/rolodex/pkg/logger"
)

// Defaults used when no option overrides them.
const (
	defaultWorkerCount    = 4
	defaultQueueSize      = 64
	defaultDedupeSize     = 10_000
	defaultMaxUploadBytes = 32 << 20
	defaultRetryMax       = 3
	defaultRetryDelay     = 100 * time.Millisecond
)

// Service runs imports synchronously through Import and asynchronously as
// queued jobs.
type Service struct {
	mu sync.RWMutex

	// Core components
	store      repository.Store
	tracker    dedupe.Tracker
	jobQueue   *queue.InMemoryQueue
	pool       *worker.Pool
	parser     *parser.Parser
	similarity *similarity.Engine
	resolver   *merge.Resolver
	validator  *recordValidator
	reporter   recovery.Reporter
	dispatcher *notify.Dispatcher

	// Configuration
	workerCount    int
	queueSize      int
	dedupeSize     int
	maxUploadBytes int64
	storeDriver    string
	normalizeRules []normalize.Rule
	mergeRules     []merge.FieldRule
	strategy       merge.Strategy
	collapse       bool
	batchSize      int
	maxParallel    int
	threshold      float64
	grouping       similarity.GroupingMode
	retryMax       int
	retryDelay     time.Duration

	// Jobs
	jobs  map[string]*job
	order []string

	// State
	started bool
	cancel  context.CancelFunc

	now    func() time.Time
	newID  func() string
	logger logger.Logger
}

// New creates a Service. Components are built by Start.
func New(opts ...Option) *Service {
	s := &Service{
		workerCount:    defaultWorkerCount,
		queueSize:      defaultQueueSize,
		dedupeSize:     defaultDedupeSize,
		maxUploadBytes: defaultMaxUploadBytes,
		reporter:       recovery.NopReporter(),
		strategy:       merge.StrategyPreferExisting,
		collapse:       true,
		batchSize:      pipeline.DefaultBatchSize,
		maxParallel:    pipeline.DefaultMaxParallelBatches,
		threshold:      pipeline.DefaultSimilarityThreshold,
		grouping:       similarity.GroupingSeed,
		retryMax:       defaultRetryMax,
		retryDelay:     defaultRetryDelay,
		jobs:           make(map[string]*job),
		now:            time.Now,
		newID:          uuid.NewString,
		logger:         logger.Get().Named("service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start validates the configuration, builds the engines and starts the
// worker pool. Starting twice is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	// Fail fast on bad rules rather than on the first upload.
	if _, err := normalize.New(normalize.WithRules(s.normalizeRules...)); err != nil {
		return fmt.Errorf("normalization rules: %w", err)
	}
	if err := merge.ValidateRules(s.mergeRules); err != nil {
		return fmt.Errorf("merge rules: %w", err)
	}
	if _, err := merge.ParseStrategy(string(s.strategy)); err != nil {
		return err
	}

	if s.store == nil {
		s.store = repository.NewMemoryStore()
		s.storeDriver = repository.DriverMemory
	}
	s.tracker = dedupe.NewInMemoryTracker(dedupe.WithMaxSize(s.dedupeSize))
	s.jobQueue = queue.NewInMemoryQueue(queue.WithCapacity(s.queueSize))
	s.parser = parser.New(parser.WithIDGenerator(s.newID))
	s.similarity = similarity.New(similarity.WithGrouping(s.grouping))
	s.resolver = merge.NewResolver(merge.WithClock(s.now))
	s.validator = newRecordValidator()
	s.dispatcher = notify.NewDispatcher(s.reporter, notify.WithDispatcherLogger(s.logger.Named("dispatch")))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.pool = worker.NewPool(s.workerCount, s.jobQueue, worker.RunnerFunc(s.RunImport))
	s.pool.Start(runCtx)

	s.started = true
	s.logger.Info(ctx, "service started",
		logger.Int("workers", s.workerCount),
		logger.Int("queue_size", s.queueSize),
		logger.String("store", s.storeDriver),
		logger.String("strategy", string(s.strategy)),
		logger.Float64("threshold", s.threshold),
	)
	return nil
}

// Stop drains queued jobs, cancels whatever is still running when ctx
// expires, flushes pending error reports and closes the store.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	pool, cancel, store, dispatcher := s.pool, s.cancel, s.store, s.dispatcher
	s.mu.Unlock()

	s.logger.Info(ctx, "stopping service")
	poolErr := pool.Shutdown(ctx)
	cancel()
	if err := dispatcher.Close(ctx); err != nil {
		s.logger.Warn(ctx, "error reports were not flushed", logger.Error(err))
	}
	if err := store.Close(); err != nil {
		s.logger.Error(ctx, "failed to close store", logger.Error(err))
		return err
	}
	if poolErr != nil {
		s.logger.Warn(ctx, "workers did not drain before shutdown", logger.Error(poolErr))
	}
	s.logger.Info(ctx, "service stopped")
	return nil
}

// IsStarted reports whether the service accepts work.
func (s *Service) IsStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// Store exposes the contact store to read-only callers such as the CLI.
func (s *Service) Store() repository.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

// GetStats returns a snapshot of the service state.
func (s *Service) GetStats(ctx context.Context) types.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := types.Stats{
		Started:       s.started,
		Workers:       s.workerCount,
		QueueCapacity: s.queueSize,
		StoreDriver:   s.storeDriver,
		Jobs:          make(map[types.JobStatus]int),
	}
	if s.jobQueue != nil {
		st.QueueLength = s.jobQueue.Len(ctx)
	}
	if s.tracker != nil {
		st.TrackedUploads = s.tracker.Size()
	}
	if s.store != nil && s.started {
		st.StoredContacts = s.store.Count(ctx)
	}
	if s.resolver != nil {
		c := s.resolver.Counts()
		st.Merges = types.MergeCounts{Merged: c.Merged, Skipped: c.Skipped, KeptBoth: c.KeptBoth}
	}
	for _, j := range s.jobs {
		st.Jobs[j.snapshot().Status]++
	}
	return st
}

// components returns the store and the error sink of a started service, or
// ErrNotStarted.
func (s *Service) components() (repository.Store, recovery.Reporter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, nil, ErrNotStarted
	}
	return s.store, s.dispatcher, nil
}
