package recovery

import (
	"context"
	"fmt"

	"github.com/okian/rolodex/pkg/logger"
	"github.com/okian/rolodex/pkg/metrics"
)

// Action is a kind-specific recovery step supplied by the failing stage,
// e.g. re-parsing with a lenient parser or re-running a write.
type Action func(ctx context.Context) error

// Recoverer runs at most one recovery attempt per error and reports every
// error it sees.
type Recoverer struct {
	reporter Reporter
	logger   logger.Logger
}

// RecovererOption configures a Recoverer.
type RecovererOption func(*Recoverer)

// WithReporter sets the error sink.
func WithReporter(r Reporter) RecovererOption {
	return func(rc *Recoverer) {
		if r != nil {
			rc.reporter = r
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) RecovererOption {
	return func(rc *Recoverer) {
		if l != nil {
			rc.logger = l
		}
	}
}

// NewRecoverer creates a Recoverer that reports nowhere unless configured.
func NewRecoverer(opts ...RecovererOption) *Recoverer {
	r := &Recoverer{
		reporter: NopReporter(),
		logger:   logger.Get().Named("recovery"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attempt handles ie. When ie is recoverable and action is non-nil the action
// runs once; on success ie becomes a warning and Attempt returns nil. On
// failure, or when nothing could be tried, ie is returned with its original
// kind and message plus a recovery note.
func (r *Recoverer) Attempt(ctx context.Context, ie *ImportError, action Action) error {
	if ie == nil {
		return nil
	}
	metrics.RecordImportError(string(ie.Kind), ie.Recoverable)
	strategy := StrategyFor(ie.Kind)

	if !ie.Recoverable || action == nil {
		r.logger.Error(ctx, "import error",
			logger.String("kind", string(ie.Kind)),
			logger.Bool("recoverable", ie.Recoverable),
			logger.Int("batch", ie.Context.BatchIndex),
			logger.Error(ie),
		)
		r.Report(ctx, ie)
		return ie
	}

	if err := runAction(ctx, action); err != nil {
		ie.RecoveryFailed = true
		ie.RecoveryNote = fmt.Sprintf("recovery %s failed: %v", strategy, err)
		metrics.RecordRecoveryAttempt(string(ie.Kind), "failed")
		r.logger.Error(ctx, "recovery failed",
			logger.String("kind", string(ie.Kind)),
			logger.String("strategy", string(strategy)),
			logger.Error(err),
		)
		r.Report(ctx, ie)
		return ie
	}

	ie.Severity = SeverityWarning
	ie.RecoveryNote = fmt.Sprintf("recovered via %s", strategy)
	metrics.RecordRecoveryAttempt(string(ie.Kind), "recovered")
	r.logger.Warn(ctx, "recovered from import error",
		logger.String("kind", string(ie.Kind)),
		logger.String("strategy", string(strategy)),
		logger.String("message", ie.Message),
	)
	r.Report(ctx, ie)
	return nil
}

// Report forwards ie to the sink, shielding the caller from sink panics.
func (r *Recoverer) Report(ctx context.Context, ie *ImportError) {
	defer func() {
		if p := recover(); p != nil {
			metrics.RecordReportFailure("reporter")
			r.logger.Warn(ctx, "error reporter panicked", logger.Any("panic", p))
		}
	}()
	r.reporter.Report(ctx, ie)
}

func runAction(ctx context.Context, action Action) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("recovery action panicked: %v", p)
		}
	}()
	return action(ctx)
}
