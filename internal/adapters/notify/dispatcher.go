package notify

import (
	"context"
	"sync"

	"github.com/okian/rolodex/internal/domain/recovery"
	"github.com/okian/rolodex/pkg/logger"
	"github.com/okian/rolodex/pkg/metrics"
)

// DefaultDispatchBuffer is the number of errors a Dispatcher holds while its
// sink catches up.
const DefaultDispatchBuffer = 256

type dispatch struct {
	ctx context.Context
	ie  *recovery.ImportError
}

// Dispatcher reports errors to the wrapped sink from a single background
// goroutine, so Report never waits on a broker or webhook. Errors arriving
// while the buffer is full are dropped and counted.
type Dispatcher struct {
	next   recovery.Reporter
	size   int
	logger logger.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan dispatch
	done   chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBuffer sets how many errors may wait for delivery.
func WithBuffer(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.size = n
		}
	}
}

// WithDispatcherLogger sets a custom logger.
func WithDispatcherLogger(l logger.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher starts delivering to next. Close must be called to stop it.
func NewDispatcher(next recovery.Reporter, opts ...DispatcherOption) *Dispatcher {
	if next == nil {
		next = recovery.NopReporter()
	}
	d := &Dispatcher{
		next:   next,
		size:   DefaultDispatchBuffer,
		logger: logger.Get().Named("notify.dispatch"),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ch = make(chan dispatch, d.size)
	go d.run()
	return d
}

// Report queues a copy of ie. The copy keeps later changes by the caller out
// of the delivered event, and the context keeps its values but not its
// deadline.
func (d *Dispatcher) Report(ctx context.Context, ie *recovery.ImportError) {
	if ie == nil {
		return
	}
	snapshot := *ie

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.RecordReportFailure("dispatch_closed")
		return
	}
	select {
	case d.ch <- dispatch{ctx: context.WithoutCancel(ctx), ie: &snapshot}:
	default:
		metrics.RecordReportFailure("dispatch_full")
		d.logger.Debug(ctx, "error report dropped, dispatch buffer full",
			logger.String("kind", string(ie.Kind)),
			logger.Int("buffer", d.size),
		)
	}
}

// Pending returns the number of errors waiting for delivery.
func (d *Dispatcher) Pending() int { return len(d.ch) }

// Close stops accepting errors and waits until the queued ones are delivered
// or ctx ends. Closing twice is safe.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		d.logger.Warn(ctx, "error reports still pending at shutdown", logger.Int("pending", len(d.ch)))
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for item := range d.ch {
		d.deliver(item)
	}
}

func (d *Dispatcher) deliver(item dispatch) {
	defer func() {
		if p := recover(); p != nil {
			metrics.RecordReportFailure("dispatch")
			d.logger.Warn(item.ctx, "error reporter panicked", logger.Any("panic", p))
		}
	}()
	d.next.Report(item.ctx, item.ie)
}
