// Package pipeline runs contact records through normalization and duplicate
// grouping in parallel batches, with pause/resume and progress reporting.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/okian/rolodex/internal/domain/model"
	"github.com/okian/rolodex/internal/domain/normalize"
	"github.com/okian/rolodex/internal/domain/recovery"
	"github.com/okian/rolodex/internal/domain/similarity"
	"github.com/okian/rolodex/pkg/logger"
	"github.com/okian/rolodex/pkg/metrics"
)

var tracer = otel.Tracer("github.com/okian/rolodex/internal/domain/pipeline")

// Normalizer normalizes one batch.
type Normalizer interface {
	NormalizeBatch(ctx context.Context, records []model.ContactRecord) ([]model.ContactRecord, normalize.Stats, error)
}

// Grouper partitions records into duplicate groups.
type Grouper interface {
	GroupDuplicates(records []model.ContactRecord, threshold float64) []model.DuplicateGroup
}

// Orchestrator runs one pipeline at a time. Create one per import so pause
// state and counters never leak between runs.
type Orchestrator struct {
	normalizer Normalizer
	fallback   Normalizer
	grouper    Grouper
	recoverer  *recovery.Recoverer
	logger     logger.Logger

	gate    gate
	running atomic.Bool
}

// New creates an orchestrator.
func New(normalizer Normalizer, grouper Grouper, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		normalizer: normalizer,
		grouper:    grouper,
		recoverer:  recovery.NewRecoverer(),
		logger:     logger.Get().Named("pipeline"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Pause stops new units of work from starting. Work already started runs to
// the end of its current stage. It reports whether the state changed.
func (o *Orchestrator) Pause() bool {
	changed := o.gate.pause()
	if changed {
		o.logger.Info(context.Background(), "pipeline paused")
	}
	return changed
}

// Resume reopens the gate.
func (o *Orchestrator) Resume() bool {
	changed := o.gate.unpause()
	if changed {
		o.logger.Info(context.Background(), "pipeline resumed")
	}
	return changed
}

// Paused reports the pause state.
func (o *Orchestrator) Paused() bool { return o.gate.isPaused() }

// Running reports whether ProcessContacts is in progress.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// run holds the mutable state of one ProcessContacts call.
type run struct {
	opts Options

	mu        sync.Mutex
	completed int
	total     int
	errs      []*recovery.ImportError
}

// emit serializes callbacks. A panicking callback is logged and ignored.
func (o *Orchestrator) emit(ctx context.Context, r *run, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() {
		if p := recover(); p != nil {
			o.logger.Warn(ctx, "pipeline callback panicked", logger.Any("panic", p))
		}
	}()
	fn()
}

func (o *Orchestrator) addError(ctx context.Context, r *run, ie *recovery.ImportError) {
	o.emit(ctx, r, func() {
		r.errs = append(r.errs, ie)
		if r.opts.OnError != nil {
			r.opts.OnError(ie)
		}
	})
}

// ProcessContacts partitions records into batches of opts.BatchSize and runs
// up to opts.MaxParallelBatches of them at once. Batches launch in index
// order but may complete in any order. A failing batch is counted and does
// not stop its siblings. Invalid options and empty input are returned as
// errors before any work starts. When ctx is cancelled no further batch is
// launched, in-flight batches finish, and the partial result is returned
// together with an ErrCancelled error.
func (o *Orchestrator) ProcessContacts(ctx context.Context, records []model.ContactRecord, opts Options) (*PipelineResult, error) {
	if len(records) == 0 {
		return nil, ErrEmptyInput
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer o.running.Store(false)

	start := time.Now()
	batches := partition(records, opts.BatchSize)
	r := &run{opts: opts, total: len(batches)}

	ctx, span := tracer.Start(ctx, "pipeline.ProcessContacts")
	defer span.End()
	span.SetAttributes(
		attribute.Int("pipeline.records", len(records)),
		attribute.Int("pipeline.batches", len(batches)),
		attribute.Int("pipeline.max_parallel", opts.MaxParallelBatches),
	)

	o.logger.Info(ctx, "pipeline started",
		logger.Int("records", len(records)),
		logger.Int("batches", len(batches)),
		logger.Int("batch_size", opts.BatchSize),
		logger.Int("max_parallel", opts.MaxParallelBatches),
	)

	results := make([]*BatchResult, len(batches))
	var g errgroup.Group
	g.SetLimit(opts.MaxParallelBatches)

	var stopErr error
	for i, batch := range batches {
		if err := o.gate.wait(ctx); err != nil {
			stopErr = err
			break
		}
		g.Go(func() error {
			res := o.runBatch(ctx, r, i, batch)
			results[i] = &res
			o.completeBatch(ctx, r, &res)
			return nil
		})
	}
	_ = g.Wait()

	result := o.reduce(results, len(records))
	if stopErr == nil {
		stopErr = o.crossBatch(ctx, r, result, opts.SimilarityThreshold)
	} else {
		o.fallbackGroups(result)
	}

	r.mu.Lock()
	result.Errors = append([]*recovery.ImportError(nil), r.errs...)
	r.mu.Unlock()
	for _, ie := range result.Errors {
		if ie.IsWarning() {
			result.WarningCount++
		} else {
			result.ErrorCount++
		}
	}
	result.ProcessingTime = time.Since(start)

	metrics.RecordRecordsProcessed(result.TotalProcessed)
	metrics.RecordDuplicatesFound(result.DuplicatesFound)
	span.SetAttributes(
		attribute.Int("pipeline.processed", result.TotalProcessed),
		attribute.Int("pipeline.failed_batches", result.FailedBatches),
		attribute.Int("pipeline.duplicates", result.DuplicatesFound),
	)

	if stopErr != nil {
		span.SetStatus(codes.Error, stopErr.Error())
		o.logger.Warn(ctx, "pipeline cancelled", logger.Error(stopErr))
		return result, fmt.Errorf("%w: %w", ErrCancelled, stopErr)
	}

	o.emit(ctx, r, func() {
		if opts.OnProgress != nil {
			opts.OnProgress(100, StageComplete)
		}
	})
	o.logger.Info(ctx, "pipeline finished",
		logger.Int("processed", result.TotalProcessed),
		logger.Int("failed_batches", result.FailedBatches),
		logger.Int("duplicates", result.DuplicatesFound),
		logger.Int("errors", result.ErrorCount),
		logger.Int("warnings", result.WarningCount),
		logger.Duration("duration", result.ProcessingTime),
	)
	return result, nil
}

func partition(records []model.ContactRecord, size int) [][]model.ContactRecord {
	batches := make([][]model.ContactRecord, 0, (len(records)+size-1)/size)
	for lo := 0; lo < len(records); lo += size {
		hi := min(lo+size, len(records))
		batches = append(batches, records[lo:hi])
	}
	return batches
}

// completeBatch bumps the completion counter and reports progress. Progress
// is computed under the callback lock so reported values never decrease.
func (o *Orchestrator) completeBatch(ctx context.Context, r *run, res *BatchResult) {
	status := "succeeded"
	if res.Failed {
		status = "failed"
	}
	metrics.RecordBatch(status, float64(res.Duration.Milliseconds()))

	o.emit(ctx, r, func() {
		r.completed++
		if r.opts.OnProgress != nil {
			r.opts.OnProgress(float64(r.completed)/float64(r.total)*100, StageBatch)
		}
	})
}

// runBatch normalizes and groups one batch. It never panics and never
// returns an error: failures are recorded on the result and the run.
func (o *Orchestrator) runBatch(ctx context.Context, r *run, index int, batch []model.ContactRecord) (res BatchResult) {
	start := time.Now()
	res = BatchResult{BatchIndex: index, Size: len(batch)}

	ctx, span := tracer.Start(ctx, "pipeline.batch")
	span.SetAttributes(attribute.Int("batch.index", index), attribute.Int("batch.records", len(batch)))
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("%w: %v", errBatchPanicked, p)
			ie := recovery.Wrap(recovery.KindUnknown, err, recovery.WithBatch(index))
			_ = o.recoverer.Attempt(ctx, ie, nil)
			o.fail(ctx, r, &res, ie)
		}
		res.Duration = time.Since(start)
		if res.Failed {
			span.SetStatus(codes.Error, errString(res.Err))
		}
		span.SetAttributes(attribute.Bool("batch.failed", res.Failed))
		span.End()
	}()

	if err := o.gate.wait(ctx); err != nil {
		res.Failed, res.Err = true, err
		return res
	}
	records, stats, err := safeNormalize(ctx, o.normalizer, batch)
	if err != nil && ctx.Err() != nil {
		res.Failed, res.Err = true, ctx.Err()
		return res
	}
	if err != nil {
		ie := recovery.Wrap(recovery.KindNormalization, err,
			recovery.WithBatch(index), recovery.WithStage(string(StageNormalize)))
		var action recovery.Action
		if o.fallback != nil {
			action = func(ctx context.Context) error {
				fr, fs, ferr := safeNormalize(ctx, o.fallback, batch)
				if ferr != nil {
					return ferr
				}
				records, stats = fr, fs
				return nil
			}
		}
		if rerr := o.recoverer.Attempt(ctx, ie, action); rerr != nil {
			o.fail(ctx, r, &res, ie)
			return res
		}
		o.addError(ctx, r, ie)
	}
	res.NormalizationCounts = stats.Clone().ByField
	o.emit(ctx, r, func() {
		if r.opts.OnNormalizationComplete != nil {
			r.opts.OnNormalizationComplete(records)
		}
	})

	if err := o.gate.wait(ctx); err != nil {
		res.Failed, res.Err = true, err
		return res
	}
	groups, gerr := o.group(ctx, r, records, r.opts.SimilarityThreshold, recovery.WithBatch(index))
	if gerr != nil {
		o.fail(ctx, r, &res, gerr)
		return res
	}

	res.Records = records
	res.DuplicateGroups = groups
	o.emit(ctx, r, func() {
		if r.opts.OnBatchProcessed != nil {
			r.opts.OnBatchProcessed(records, StageBatch)
		}
	})
	return res
}

// group runs the grouper and, if it panics, retries once with a loosened
// threshold.
func (o *Orchestrator) group(ctx context.Context, r *run, records []model.ContactRecord, threshold float64, opts ...recovery.Option) ([]model.DuplicateGroup, *recovery.ImportError) {
	groups, err := safeGroup(o.grouper, records, threshold)
	if err == nil {
		return groups, nil
	}

	opts = append(opts, recovery.WithStage(string(StageGroup)))
	ie := recovery.Wrap(recovery.KindDuplicateDetection, err, opts...)
	loosened := threshold * loosenFactor
	rerr := o.recoverer.Attempt(ctx, ie, func(context.Context) error {
		g, err := safeGroup(o.grouper, records, loosened)
		if err != nil {
			return err
		}
		groups = g
		return nil
	})
	if rerr != nil {
		return nil, ie
	}
	o.addError(ctx, r, ie)
	return groups, nil
}

func (o *Orchestrator) fail(ctx context.Context, r *run, res *BatchResult, ie *recovery.ImportError) {
	res.Failed = true
	res.Err = ie
	res.Records = nil
	res.DuplicateGroups = nil
	o.logger.Error(ctx, "batch failed", logger.Int("batch", res.BatchIndex), logger.Error(ie))
	o.addError(ctx, r, ie)
}

// reduce folds batch results in index order.
func (o *Orchestrator) reduce(results []*BatchResult, total int) *PipelineResult {
	out := &PipelineResult{
		TotalRecords:        total,
		TotalBatches:        len(results),
		NormalizationCounts: make(map[string]int),
	}
	for _, res := range results {
		if res == nil {
			continue
		}
		out.Batches = append(out.Batches, *res)
		if res.Failed {
			out.FailedBatches++
			continue
		}
		out.ProcessedBatches++
		out.TotalProcessed += len(res.Records)
		out.Contacts = append(out.Contacts, res.Records...)
		for field, n := range res.NormalizationCounts {
			out.NormalizationCounts[field] += n
		}
	}
	return out
}

// crossBatch groups the concatenated batch output so duplicates split across
// batches are found. If grouping cannot recover, the per-batch groups stand.
func (o *Orchestrator) crossBatch(ctx context.Context, r *run, result *PipelineResult, threshold float64) error {
	if err := o.gate.wait(ctx); err != nil {
		o.fallbackGroups(result)
		return err
	}
	ctx, span := tracer.Start(ctx, "pipeline.cross_batch")
	defer span.End()
	span.SetAttributes(attribute.Int("pipeline.records", len(result.Contacts)))

	o.emit(ctx, r, func() {
		if r.opts.OnProgress != nil {
			r.opts.OnProgress(100, StageCrossBatch)
		}
	})

	groups, ie := o.group(ctx, r, result.Contacts, threshold, recovery.WithStage(string(StageCrossBatch)))
	if ie != nil {
		span.SetStatus(codes.Error, ie.Error())
		o.fallbackGroups(result)
		return nil
	}
	result.DuplicateGroups = groups
	result.DuplicatesFound = similarity.CountDuplicates(groups)
	return nil
}

func (o *Orchestrator) fallbackGroups(result *PipelineResult) {
	result.DuplicateGroups = nil
	for _, b := range result.Batches {
		result.DuplicateGroups = append(result.DuplicateGroups, b.DuplicateGroups...)
	}
	result.DuplicatesFound = similarity.CountDuplicates(result.DuplicateGroups)
}

func safeNormalize(ctx context.Context, n Normalizer, batch []model.ContactRecord) (out []model.ContactRecord, stats normalize.Stats, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", normalize.ErrRulePanic, p)
		}
	}()
	return n.NormalizeBatch(ctx, batch)
}

func safeGroup(g Grouper, records []model.ContactRecord, threshold float64) (groups []model.DuplicateGroup, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", recovery.ErrDuplicateDetection, p)
		}
	}()
	groups = g.GroupDuplicates(records, threshold)
	if groups == nil && len(records) > 0 {
		return nil, errGroupingUnavailable
	}
	return groups, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
