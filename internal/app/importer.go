package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/okian/rolodex/internal/adapters/notify"
	"github.com/okian/rolodex/internal/adapters/parser"
	"github.com/okian/rolodex/internal/adapters/repository"
	"github.com/okian/rolodex/internal/domain/merge"
	"github.com/okian/rolodex/internal/domain/model"
	"github.com/okian/rolodex/internal/domain/normalize"
	"github.com/okian/rolodex/internal/domain/pipeline"
	"github.com/okian/rolodex/internal/domain/recovery"
	"github.com/okian/rolodex/pkg/logger"
	"github.com/okian/rolodex/pkg/metrics"
)

var tracer = otel.Tracer("github.com/okian/rolodex/internal/app")

// Stages the service adds around the pipeline's own.
const (
	StageDetect   = "detect"
	StageParse    = "parse"
	StageValidate = "validate"
	StageCollapse = "collapse"
	StageResolve  = "resolve"
	StagePersist  = "persist"
)

// pipelineShare is the part of the progress scale the pipeline covers.
// Resolution and persistence fill the rest.
const pipelineShare = 90.0

// ImportRequest describes one upload. Zero values fall back to the service
// defaults.
type ImportRequest struct {
	RunID     string
	Filename  string
	Format    parser.Format
	Data      []byte
	Strategy  merge.Strategy
	Rules     []merge.FieldRule
	Threshold float64

	// OnProgress receives a monotonic percentage and the current stage.
	OnProgress func(percent float64, stage string)

	attach func(o *pipeline.Orchestrator)
}

// ImportResult is the outcome of an import run.
type ImportResult struct {
	Analytics       model.ImportAnalytics   `json:"analytics"`
	Persisted       []model.ContactRecord   `json:"-"`
	DuplicateGroups []model.DuplicateGroup  `json:"-"`
	Conflicts       []model.ConflictPair    `json:"-"`
	Errors          []*recovery.ImportError `json:"errors"`
}

// importRun carries the mutable state of one Import call.
type importRun struct {
	s        *Service
	store    repository.Store
	req      ImportRequest
	strategy merge.Strategy
	rules    []merge.FieldRule
	rec      *recovery.Recoverer
	log      logger.Logger

	mu       sync.Mutex
	errs     []*recovery.ImportError
	progress float64
	result   *ImportResult
}

// Import runs an upload through detection, parsing, the batch pipeline,
// validation, conflict resolution and persistence. The returned result is
// never nil; when err is non-nil it holds the analytics recorded for the
// failed or cancelled run.
func (s *Service) Import(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	store, reporter, err := s.components()
	if err != nil {
		return nil, err
	}
	if req.RunID == "" {
		req.RunID = s.newID()
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = s.strategy
	}
	if _, err := merge.ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	rules := req.Rules
	if len(rules) == 0 {
		rules = s.mergeRules
	}
	if err := merge.ValidateRules(rules); err != nil {
		return nil, err
	}

	ctx = notify.WithRun(ctx, req.RunID)
	ctx, span := tracer.Start(ctx, "service.Import")
	defer span.End()
	span.SetAttributes(
		attribute.String("import.run_id", req.RunID),
		attribute.String("import.source", req.Filename),
		attribute.Int("import.bytes", len(req.Data)),
	)

	r := &importRun{
		s:        s,
		store:    store,
		req:      req,
		strategy: strategy,
		rules:    rules,
		log:      s.logger.With(logger.String("run_id", req.RunID)),
		result: &ImportResult{
			Analytics: model.NewImportAnalytics(req.RunID, req.Filename, s.now()),
		},
	}
	r.rec = recovery.NewRecoverer(
		recovery.WithReporter(notify.Fanout{r.persistError(), reporter}),
		recovery.WithLogger(s.logger.Named("recovery")),
	)

	err = r.execute(ctx)
	r.finish(ctx, err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("import.status", r.result.Analytics.Status),
		attribute.Int("import.inserted", r.result.Analytics.InsertedCount),
	)
	return r.result, err
}

// persistError is the reporter that logs every error of this run to the store.
func (r *importRun) persistError() recovery.Reporter {
	return recovery.ReporterFunc(func(ctx context.Context, ie *recovery.ImportError) {
		if err := r.store.RecordError(context.WithoutCancel(ctx), r.req.RunID, ie); err != nil {
			metrics.RecordReportFailure("store")
			r.log.Warn(ctx, "failed to persist import error", logger.Error(err))
		}
	})
}

func (r *importRun) report(ie *recovery.ImportError) {
	r.mu.Lock()
	r.errs = append(r.errs, ie)
	r.mu.Unlock()
}

// attempt runs action as the recovery of ie and records ie either way.
func (r *importRun) attempt(ctx context.Context, ie *recovery.ImportError, action recovery.Action) error {
	err := r.rec.Attempt(ctx, ie, action)
	r.report(ie)
	return err
}

func (r *importRun) advance(percent float64, stage string) {
	r.mu.Lock()
	if percent < r.progress {
		percent = r.progress
	}
	r.progress = percent
	r.mu.Unlock()
	if r.req.OnProgress != nil {
		r.req.OnProgress(percent, stage)
	}
}

func (r *importRun) execute(ctx context.Context) error {
	req := r.req
	if len(req.Data) == 0 {
		ie := recovery.New(recovery.KindFileRead, ErrEmptyUpload.Error(),
			recovery.WithFile(req.Filename), recovery.WithStage(StageDetect), recovery.WithTimestamp(r.s.now()))
		_ = r.attempt(ctx, ie, nil)
		return fmt.Errorf("%w: %w", ErrEmptyUpload, ie)
	}
	if r.s.maxUploadBytes > 0 && int64(len(req.Data)) > r.s.maxUploadBytes {
		ie := recovery.New(recovery.KindFileRead, ErrUploadTooLarge.Error(),
			recovery.WithStage(StageDetect), recovery.WithTimestamp(r.s.now()))
		_ = r.attempt(ctx, ie, nil)
		return fmt.Errorf("%w: %d bytes", ErrUploadTooLarge, len(req.Data))
	}

	format, err := r.detect(ctx)
	if err != nil {
		return err
	}
	r.result.Analytics.Format = string(format)

	records, err := r.parse(ctx, format)
	if err != nil {
		return err
	}
	r.result.Analytics.Total = len(records)
	if len(records) == 0 {
		return ErrNoContacts
	}
	r.advance(0, StageParse)

	result, err := r.process(ctx, records)
	if result != nil {
		a := &r.result.Analytics
		a.Processed = result.TotalProcessed
		a.DuplicatesFound = result.DuplicatesFound
		a.TotalBatches = result.TotalBatches
		a.FailedBatches = result.FailedBatches
		a.AddNormalizationCounts(result.NormalizationCounts)
		r.result.DuplicateGroups = result.DuplicateGroups
	}
	if err != nil {
		return err
	}

	contacts, groups := r.validate(ctx, result.Contacts, result.DuplicateGroups)
	r.result.DuplicateGroups = groups
	if r.s.collapse {
		contacts = r.collapse(ctx, contacts, groups)
	}
	if len(contacts) == 0 {
		r.advance(100, string(pipeline.StageComplete))
		return nil
	}
	r.advance(pipelineShare, StageResolve)

	toWrite, err := r.resolve(ctx, contacts)
	if err != nil {
		return err
	}
	r.advance(pipelineShare+5, StagePersist)

	if err := r.persist(ctx, toWrite); err != nil {
		return err
	}
	r.advance(100, string(pipeline.StageComplete))
	return nil
}

// detect picks the upload format: explicit, sniffed, then by file extension.
func (r *importRun) detect(ctx context.Context) (parser.Format, error) {
	if r.req.Format != parser.FormatUnknown {
		return r.req.Format, nil
	}
	if f := parser.DetectFormat(r.req.Data); f != parser.FormatUnknown {
		return f, nil
	}

	format := parser.FormatUnknown
	ie := recovery.New(recovery.KindFileFormat, "cannot detect file format from content",
		recovery.WithFile(r.req.Filename), recovery.WithStage(StageDetect), recovery.WithTimestamp(r.s.now()))
	err := r.attempt(ctx, ie, func(context.Context) error {
		f := parser.FormatFromFilename(r.req.Filename)
		if f == parser.FormatUnknown {
			return fmt.Errorf("%w: %q", parser.ErrUnsupportedFormat, r.req.Filename)
		}
		format = f
		return nil
	})
	if err != nil {
		return parser.FormatUnknown, err
	}
	return format, nil
}

// parse decodes the upload, falling back to the lenient parser once.
func (r *importRun) parse(ctx context.Context, format parser.Format) ([]model.ContactRecord, error) {
	records, err := r.s.parser.Parse(ctx, r.req.Data, format)
	if err == nil {
		return records, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if errors.Is(err, parser.ErrUnsupportedFormat) {
		ie := recovery.Wrap(recovery.KindFileFormat, err,
			recovery.WithStage(StageParse), recovery.WithTimestamp(r.s.now()))
		_ = r.attempt(ctx, ie, nil)
		return nil, ie
	}

	var line int
	var pe *parser.ParseError
	if errors.As(err, &pe) {
		line = pe.Line
	}
	ie := recovery.Wrap(recovery.KindFileParse, err,
		recovery.WithFile(r.req.Filename), recovery.WithFormat(string(format)), recovery.WithLine(line),
		recovery.WithStage(StageParse), recovery.WithTimestamp(r.s.now()))
	rerr := r.attempt(ctx, ie, func(ctx context.Context) error {
		lenient, err := r.s.parser.Lenient().Parse(ctx, r.req.Data, format)
		if err != nil {
			return err
		}
		records = lenient
		return nil
	})
	if rerr != nil {
		return nil, rerr
	}
	return records, nil
}

// process runs the batch pipeline with engines private to this run.
func (r *importRun) process(ctx context.Context, records []model.ContactRecord) (*pipeline.PipelineResult, error) {
	s := r.s
	primary, err := normalize.New(normalize.WithRules(s.normalizeRules...), normalize.WithClock(s.now))
	if err != nil {
		return nil, err
	}
	fallback, err := normalize.New(normalize.WithClock(s.now))
	if err != nil {
		return nil, err
	}
	orch := pipeline.New(primary, s.similarity,
		pipeline.WithFallbackNormalizer(fallback),
		pipeline.WithRecoverer(r.rec),
		pipeline.WithLogger(s.logger.Named("pipeline")),
	)
	if r.req.attach != nil {
		r.req.attach(orch)
	}

	threshold := r.req.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = s.threshold
	}
	opts := pipeline.Options{
		BatchSize:           s.batchSize,
		MaxParallelBatches:  s.maxParallel,
		SimilarityThreshold: threshold,
		OnProgress: func(percent float64, stage pipeline.Stage) {
			r.advance(percent*pipelineShare/100, string(stage))
		},
	}

	result, err := orch.ProcessContacts(ctx, records, opts)
	if result != nil {
		for _, ie := range result.Errors {
			r.report(ie)
		}
	}
	return result, err
}

// validate drops records the validator rejects and removes them from the
// duplicate groups. Each rejection is a validation warning.
func (r *importRun) validate(ctx context.Context, contacts []model.ContactRecord, groups []model.DuplicateGroup) ([]model.ContactRecord, []model.DuplicateGroup) {
	invalid := make(map[string]struct{})
	valid := make([]model.ContactRecord, 0, len(contacts))
	for _, c := range contacts {
		fe := r.s.validator.check(c)
		if fe == nil {
			valid = append(valid, c)
			continue
		}
		invalid[c.ID] = struct{}{}
		ie := recovery.Wrap(recovery.KindValidation, fe.Err,
			recovery.WithContact(c.ID), recovery.WithField(fe.Field),
			recovery.WithStage(StageValidate), recovery.WithTimestamp(r.s.now()))
		_ = r.attempt(ctx, ie, func(context.Context) error { return nil })
	}
	r.result.Analytics.InvalidCount = len(invalid)
	if len(invalid) == 0 {
		return valid, groups
	}

	kept := make([]model.DuplicateGroup, 0, len(groups))
	for _, g := range groups {
		members := slices.DeleteFunc(slices.Clone(g.Records), func(c model.ContactRecord) bool {
			_, bad := invalid[c.ID]
			return bad
		})
		if len(members) > 0 {
			kept = append(kept, model.DuplicateGroup{Records: members})
		}
	}
	return valid, kept
}

// collapse folds every duplicate group into one record placed where the
// group's seed was.
func (r *importRun) collapse(ctx context.Context, contacts []model.ContactRecord, groups []model.DuplicateGroup) []model.ContactRecord {
	folded := make(map[string]model.ContactRecord)
	drop := make(map[string]struct{})
	for _, g := range groups {
		if len(g.Records) < 2 {
			continue
		}
		seed := g.Seed()
		folded[seed.ID] = r.s.resolver.Collapse(g, r.strategy, r.rules)
		for _, dup := range g.Records[1:] {
			drop[dup.ID] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return contacts
	}

	out := make([]model.ContactRecord, 0, len(contacts)-len(drop))
	for _, c := range contacts {
		if _, gone := drop[c.ID]; gone {
			continue
		}
		if f, ok := folded[c.ID]; ok {
			c = f
		}
		out = append(out, c)
	}
	r.result.Analytics.Collapsed = len(drop)
	r.log.Debug(ctx, "collapsed duplicate groups", logger.Int("folded", len(folded)), logger.Int("dropped", len(drop)))
	return out
}

// resolve compares the upload with stored contacts and returns every record
// that should be written.
func (r *importRun) resolve(ctx context.Context, contacts []model.ContactRecord) ([]model.ContactRecord, error) {
	lookup := model.LookupFor(contacts)
	var existing []model.ContactRecord
	if !lookup.Empty() {
		found, err := r.withStoreRetry(ctx, "find existing contacts", func(ctx context.Context) error {
			var err error
			existing, err = r.store.FindExisting(ctx, lookup)
			return err
		})
		if !found {
			return nil, err
		}
	}

	conflicts := r.s.resolver.FindConflicts(contacts, existing)
	r.result.Conflicts = conflicts
	r.result.Analytics.ConflictsDetected = len(conflicts)

	resolution, err := r.s.resolver.Resolve(ctx, conflicts, r.strategy, r.rules)
	if err != nil {
		return nil, err
	}
	r.result.Analytics.MergedCount = resolution.Merged
	r.result.Analytics.SkippedCount = resolution.Skipped
	r.result.Analytics.KeptBothCount = resolution.KeptBoth

	conflicting := make(map[string]struct{}, len(conflicts))
	for _, c := range conflicts {
		conflicting[c.New.ID] = struct{}{}
	}
	out := make([]model.ContactRecord, 0, len(contacts))
	for _, c := range contacts {
		if _, ok := conflicting[c.ID]; !ok {
			out = append(out, c)
		}
	}
	return append(out, resolution.Records...), nil
}

// withStoreRetry runs op once and, if it fails, reports a database error
// whose recovery retries op with exponential backoff. It reports whether op
// eventually succeeded; on failure err is the reported ImportError.
func (r *importRun) withStoreRetry(ctx context.Context, what string, op func(ctx context.Context) error) (bool, error) {
	err := op(ctx)
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	ie := recovery.Wrap(recovery.KindDatabase, fmt.Errorf("%s: %w", what, err),
		recovery.WithStage(StagePersist), recovery.WithTimestamp(r.s.now()))
	rerr := r.attempt(ctx, ie, func(ctx context.Context) error {
		_, err := recovery.Retry(ctx, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, op(ctx)
		}, r.s.retryMax, r.s.retryDelay)
		return err
	})
	if rerr != nil {
		return false, rerr
	}
	return true, nil
}

// persist writes records and retries per-record failures once.
func (r *importRun) persist(ctx context.Context, records []model.ContactRecord) error {
	var res model.InsertResult
	ok, err := r.withStoreRetry(ctx, "insert contacts", func(ctx context.Context) error {
		var err error
		res, err = r.store.InsertMany(ctx, records)
		return err
	})
	if !ok {
		return err
	}

	failed := make(map[string]struct{})
	for _, f := range res.Errors {
		ie := recovery.New(recovery.KindDatabase, f.Message,
			recovery.WithContact(f.RecordID), recovery.WithStage(StagePersist), recovery.WithTimestamp(r.s.now()))
		if f.Err != nil {
			ie.Cause = f.Err
		}
		var rec model.ContactRecord
		if i := slices.IndexFunc(records, func(c model.ContactRecord) bool { return c.ID == f.RecordID }); i >= 0 && f.RecordID != "" {
			rec = records[i]
		}
		aerr := r.attempt(ctx, ie, func(ctx context.Context) error {
			if rec.ID == "" {
				return repository.ErrMissingID
			}
			again, err := r.store.InsertMany(ctx, []model.ContactRecord{rec})
			if err != nil {
				return err
			}
			if len(again.Errors) > 0 {
				return errors.New(again.Errors[0].Message)
			}
			return nil
		})
		if aerr != nil {
			failed[f.RecordID] = struct{}{}
		}
	}

	merged := make(map[string]struct{}, len(r.result.Conflicts))
	for _, c := range r.result.Conflicts {
		merged[c.Existing.ID] = struct{}{}
	}
	persisted := make([]model.ContactRecord, 0, len(records))
	a := &r.result.Analytics
	for _, c := range records {
		_, wasMerge := merged[c.ID]
		if _, bad := failed[c.ID]; bad || c.ID == "" {
			if wasMerge {
				a.MergedCount--
			}
			continue
		}
		persisted = append(persisted, c)
		if !wasMerge {
			a.InsertedCount++
		}
	}
	r.result.Persisted = persisted
	metrics.RecordRecordsPersisted(len(persisted))
	return nil
}

// finish stamps the analytics, records the run and emits run metrics.
func (r *importRun) finish(ctx context.Context, runErr error) {
	a := &r.result.Analytics
	r.mu.Lock()
	r.result.Errors = slices.Clone(r.errs)
	r.mu.Unlock()
	a.ErrorCount, a.WarningCount = 0, 0
	for _, ie := range r.result.Errors {
		if ie.IsWarning() {
			a.WarningCount++
		} else {
			a.ErrorCount++
		}
	}
	if runErr != nil && a.ErrorCount == 0 {
		// Failures outside the error taxonomy still count against the run.
		a.ErrorCount = 1
	}

	a.Finish(r.s.now())
	switch {
	case errors.Is(runErr, pipeline.ErrCancelled) || errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		a.Status = model.RunStatusCancelled
	case runErr != nil:
		a.Status = model.RunStatusFailed
	}

	if err := r.store.RecordImportRun(context.WithoutCancel(ctx), *a); err != nil {
		r.log.Error(ctx, "failed to record import run", logger.Error(err))
	}
	metrics.RecordImportRun(a.Status, float64(a.ProcessingTime)/float64(time.Millisecond))

	fields := []logger.Field{
		logger.String("status", a.Status),
		logger.String("format", a.Format),
		logger.Int("total", a.Total),
		logger.Int("inserted", a.InsertedCount),
		logger.Int("merged", a.MergedCount),
		logger.Int("skipped", a.SkippedCount),
		logger.Int("kept_both", a.KeptBothCount),
		logger.Int("duplicates", a.DuplicatesFound),
		logger.Int("invalid", a.InvalidCount),
		logger.Int("errors", a.ErrorCount),
		logger.Int("warnings", a.WarningCount),
		logger.Duration("duration", a.ProcessingTime),
	}
	if runErr != nil {
		r.log.Warn(ctx, "import finished with failure", append(fields, logger.Error(runErr))...)
		return
	}
	r.log.Info(ctx, "import finished", fields...)
}
