// Package notify delivers import errors to external sinks: a Kafka topic for
// every reported error and rate-limited operator alerts for the ones that
// could not be recovered.
package notify

import (
	"context"
	"time"

	"github.com/okian/rolodex/internal/domain/recovery"
)

type runKey struct{}

// WithRun tags ctx with the import run id so sinks can attribute errors.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunFrom returns the run id set by WithRun.
func RunFrom(ctx context.Context) string {
	id, _ := ctx.Value(runKey{}).(string)
	return id
}

// Event is the wire form of a reported error.
type Event struct {
	RunID      string                `json:"runId,omitempty"`
	Channel    string                `json:"channel,omitempty"`
	Recipient  string                `json:"recipient,omitempty"`
	ReportedAt time.Time             `json:"reportedAt"`
	Error      *recovery.ImportError `json:"error"`
}

func newEvent(ctx context.Context, ie *recovery.ImportError, now time.Time) Event {
	return Event{RunID: RunFrom(ctx), ReportedAt: now, Error: ie}
}
