package recovery

import "context"

// Reporter receives every classified error. Report is fire-and-forget:
// implementations swallow their own failures.
type Reporter interface {
	Report(ctx context.Context, err *ImportError)
}

// Notifier delivers operator alerts over a named channel.
type Notifier interface {
	Notify(ctx context.Context, channel, recipient string, err *ImportError) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, err *ImportError)

// Report calls f.
func (f ReporterFunc) Report(ctx context.Context, err *ImportError) { f(ctx, err) }

type nopReporter struct{}

func (nopReporter) Report(context.Context, *ImportError) {}

// NopReporter discards everything.
func NopReporter() Reporter { return nopReporter{} }
