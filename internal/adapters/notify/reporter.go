package notify

import (
	"context"
	"errors"

	"github.com/okian/rolodex/internal/domain/recovery"
	"github.com/okian/rolodex/pkg/logger"
	"github.com/okian/rolodex/pkg/metrics"
)

// Fanout sends each error to every reporter in order. A panicking reporter
// does not keep the rest from running.
type Fanout []recovery.Reporter

func (f Fanout) Report(ctx context.Context, ie *recovery.ImportError) {
	for _, r := range f {
		if r == nil {
			continue
		}
		func() {
			defer func() {
				if p := recover(); p != nil {
					metrics.RecordReportFailure("fanout")
				}
			}()
			r.Report(ctx, ie)
		}()
	}
}

// AlertReporter turns hard failures into operator alerts: errors that were
// not recoverable, or whose recovery failed. Warnings never alert.
type AlertReporter struct {
	notifier  recovery.Notifier
	channel   string
	recipient string
	logger    logger.Logger
}

// NewAlertReporter alerts recipient over channel through n.
func NewAlertReporter(n recovery.Notifier, channel, recipient string) *AlertReporter {
	return &AlertReporter{
		notifier:  n,
		channel:   channel,
		recipient: recipient,
		logger:    logger.Get().Named("notify.alert"),
	}
}

func (a *AlertReporter) Report(ctx context.Context, ie *recovery.ImportError) {
	if ie == nil || ie.IsWarning() {
		return
	}
	if ie.Recoverable && !ie.RecoveryFailed {
		return
	}
	err := a.notifier.Notify(ctx, a.channel, a.recipient, ie)
	switch {
	case err == nil:
	case errors.Is(err, ErrRateLimited):
		metrics.RecordReportFailure("alert_rate_limited")
		a.logger.Debug(ctx, "alert dropped by rate limit", logger.String("kind", string(ie.Kind)))
	default:
		metrics.RecordReportFailure("alert")
		a.logger.Warn(ctx, "failed to deliver alert", logger.String("channel", a.channel), logger.Error(err))
	}
}
