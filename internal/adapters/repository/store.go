// Package repository persists contacts, import run analytics and the errors
// raised while importing.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/rolodex/internal/domain/model"
	"github.com/okian/rolodex/internal/domain/recovery"
)

// Store drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// ErrorRecord is a persisted import error.
type ErrorRecord struct {
	RunID string                `json:"runId"`
	Error *recovery.ImportError `json:"error"`
}

// Store provides read/write access to the contact book.
type Store interface {
	// FindExisting returns every stored contact sharing at least one match
	// key with l, in insertion order. An empty lookup returns nothing.
	FindExisting(ctx context.Context, l model.Lookup) ([]model.ContactRecord, error)

	// InsertMany upserts records by id. A record that cannot be written is
	// reported in the result and does not stop the others.
	InsertMany(ctx context.Context, records []model.ContactRecord) (model.InsertResult, error)

	// Get returns one contact. Returns ErrNotFound if the id is unknown.
	Get(ctx context.Context, id string) (model.ContactRecord, error)

	// RecordImportRun stores the analytics of a finished run, replacing any
	// earlier record with the same run id.
	RecordImportRun(ctx context.Context, a model.ImportAnalytics) error

	// ImportRun returns stored analytics. Returns ErrRunNotFound if unknown.
	ImportRun(ctx context.Context, runID string) (model.ImportAnalytics, error)

	// RecordError appends an import error to the run's error log.
	RecordError(ctx context.Context, runID string, ie *recovery.ImportError) error

	// Errors returns the errors logged for a run, oldest first.
	Errors(ctx context.Context, runID string) ([]ErrorRecord, error)

	// Count returns the number of stored contacts.
	Count(ctx context.Context) int

	Close() error
}

// Open builds the store named by driver. The dsn is ignored by the memory
// driver.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (Store, error) {
	switch driver {
	case DriverMemory, "":
		return NewMemoryStore(opts...), nil
	case DriverSQLite:
		return NewSQLiteStore(ctx, dsn, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

func sinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// stamp fills the bookkeeping timestamps of a record about to be written.
func stamp(rec *model.ContactRecord, now time.Time) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
}
