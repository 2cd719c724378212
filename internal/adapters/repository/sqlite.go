package repository

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // database/sql driver
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/okian/rolodex/internal/domain/model"
	"github.com/okian/rolodex/internal/domain/recovery"
	"github.com/okian/rolodex/pkg/logger"
	"github.com/okian/rolodex/pkg/metrics"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var tracer = otel.Tracer("github.com/okian/rolodex/internal/adapters/repository")

// lookupChunk bounds the number of bound parameters per lookup query.
const lookupChunk = 500

var contactColumns = []string{
	"id", "first_name", "last_name", "name", "email", "phone", "secondary_phone",
	"company", "title", "notes", "tags", "additional_fields",
	"email_key", "phone_key", "name_key", "seq", "created_at", "updated_at",
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

type contactRow struct {
	ID               string    `db:"id"`
	FirstName        string    `db:"first_name"`
	LastName         string    `db:"last_name"`
	Name             string    `db:"name"`
	Email            string    `db:"email"`
	Phone            string    `db:"phone"`
	SecondaryPhone   string    `db:"secondary_phone"`
	Company          string    `db:"company"`
	Title            string    `db:"title"`
	Notes            string    `db:"notes"`
	Tags             string    `db:"tags"`
	AdditionalFields string    `db:"additional_fields"`
	EmailKey         string    `db:"email_key"`
	PhoneKey         string    `db:"phone_key"`
	NameKey          string    `db:"name_key"`
	Seq              int64     `db:"seq"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r contactRow) record() (model.ContactRecord, error) {
	rec := model.ContactRecord{
		ID:             r.ID,
		FirstName:      r.FirstName,
		LastName:       r.LastName,
		Name:           r.Name,
		Email:          r.Email,
		Phone:          r.Phone,
		SecondaryPhone: r.SecondaryPhone,
		Company:        r.Company,
		Title:          r.Title,
		Notes:          r.Notes,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Tags), &rec.Tags); err != nil {
		return rec, fmt.Errorf("decode tags of %s: %w", r.ID, err)
	}
	dec := json.NewDecoder(strings.NewReader(r.AdditionalFields))
	dec.UseNumber()
	if err := dec.Decode(&rec.AdditionalFields); err != nil {
		return rec, fmt.Errorf("decode additional fields of %s: %w", r.ID, err)
	}
	if len(rec.Tags) == 0 {
		rec.Tags = nil
	}
	if len(rec.AdditionalFields) == 0 {
		rec.AdditionalFields = nil
	}
	return rec, nil
}

type errorRow struct {
	RunID          string    `db:"run_id"`
	Kind           string    `db:"kind"`
	Severity       string    `db:"severity"`
	Message        string    `db:"message"`
	Recoverable    bool      `db:"recoverable"`
	RecoveryFailed bool      `db:"recovery_failed"`
	RecoveryNote   string    `db:"recovery_note"`
	File           string    `db:"file"`
	Format         string    `db:"format"`
	Line           int       `db:"line"`
	BatchIndex     int       `db:"batch_index"`
	ContactID      string    `db:"contact_id"`
	Field          string    `db:"field"`
	Stage          string    `db:"stage"`
	OccurredAt     time.Time `db:"occurred_at"`
}

// SQLiteStore persists to a SQLite database through sqlx. The schema is
// migrated on open from the embedded migrations.
type SQLiteStore struct {
	settings
	db *sqlx.DB
}

// NewSQLiteStore opens dsn and brings the schema up to date. Use ":memory:"
// for a throwaway database.
func NewSQLiteStore(ctx context.Context, dsn string, opts ...Option) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	// SQLite has a single writer; one connection also keeps an in-memory
	// database alive for the lifetime of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", dsn, err)
	}

	s := &SQLiteStore{settings: defaultSettings(), db: db}
	for _, opt := range opts {
		opt(&s.settings)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info(ctx, "sqlite store ready", logger.String("dsn", dsn))
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := msqlite.WithInstance(s.db.DB, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	// m.Close would close the shared *sql.DB, so the migrator is dropped
	// without closing it.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindExisting(ctx context.Context, l model.Lookup) ([]model.ContactRecord, error) {
	if l.Empty() {
		return nil, ctx.Err()
	}
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("find_existing", sinceMs(start)) }()

	rows := make(map[string]contactRow)
	lookups := []struct {
		column string
		keys   []string
	}{
		{"email_key", l.Emails},
		{"phone_key", l.Phones},
		{"name_key", l.Names},
	}
	for _, lk := range lookups {
		for chunk := range slices.Chunk(lk.keys, lookupChunk) {
			sb := sqlbuilder.SQLite.NewSelectBuilder()
			sb.Select(contactColumns...)
			sb.From("contacts")
			sb.Where(sb.In(lk.column, sqlbuilder.Flatten(chunk)...))

			query, args := sb.Build()
			var found []contactRow
			if err := s.db.SelectContext(ctx, &found, query, args...); err != nil {
				s.logger.Error(ctx, "failed to look up contacts", logger.String("column", lk.column), logger.Error(err))
				return nil, fmt.Errorf("find existing by %s: %w", lk.column, err)
			}
			for _, r := range found {
				rows[r.ID] = r
			}
		}
	}

	ordered := make([]contactRow, 0, len(rows))
	for _, r := range rows {
		ordered = append(ordered, r)
	}
	slices.SortFunc(ordered, func(a, b contactRow) int { return cmp.Compare(a.Seq, b.Seq) })

	out := make([]model.ContactRecord, 0, len(ordered))
	for _, r := range ordered {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// upsertClause keeps seq so a replaced contact stays in its original place.
var upsertClause = " ON CONFLICT (id) DO UPDATE SET " + strings.Join(func() []string {
	var sets []string
	for _, c := range contactColumns {
		if c == "id" || c == "seq" {
			continue
		}
		sets = append(sets, c+" = excluded."+c)
	}
	return sets
}(), ", ")

func (s *SQLiteStore) InsertMany(ctx context.Context, records []model.ContactRecord) (res model.InsertResult, err error) {
	ctx, span := tracer.Start(ctx, "repository.InsertMany",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.system", "sqlite"), attribute.Int("store.records", len(records))),
	)
	start := time.Now()
	defer func() {
		metrics.RecordStoreLatency("insert_many", sinceMs(start))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("store.inserted", res.InsertedCount), attribute.Int("store.failed", len(res.Errors)))
		span.End()
	}()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin insert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var next int64
	if err = tx.GetContext(ctx, &next, "SELECT COALESCE(MAX(seq), 0) FROM contacts"); err != nil {
		return model.InsertResult{}, fmt.Errorf("read sequence: %w", err)
	}

	now := s.now()
	for _, rec := range records {
		if err = ctx.Err(); err != nil {
			return model.InsertResult{}, err
		}
		if rec.ID == "" {
			res.Errors = append(res.Errors, model.InsertFailure{Err: ErrMissingID, Message: ErrMissingID.Error()})
			continue
		}
		stamp(&rec, now)
		if ferr := s.insertOne(ctx, tx, rec, next+1); ferr != nil {
			s.logger.Warn(ctx, "contact not stored", logger.String("contact_id", rec.ID), logger.Error(ferr))
			res.Errors = append(res.Errors, model.InsertFailure{RecordID: rec.ID, Err: ferr, Message: ferr.Error()})
			continue
		}
		next++
		res.InsertedCount++
	}

	if err = tx.Commit(); err != nil {
		return model.InsertResult{}, fmt.Errorf("commit insert: %w", err)
	}
	metrics.UpdateStoreRecords(s.Count(ctx))
	return res, nil
}

func (s *SQLiteStore) insertOne(ctx context.Context, tx *sqlx.Tx, rec model.ContactRecord, seq int64) error {
	tags, err := json.Marshal(nonNil(rec.Tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	extra := rec.AdditionalFields
	if extra == nil {
		extra = map[string]any{}
	}
	fields, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("encode additional fields: %w", err)
	}
	keys := rec.Keys()

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("contacts")
	ib.Cols(contactColumns...)
	ib.Values(
		rec.ID, rec.FirstName, rec.LastName, rec.Name, rec.Email, rec.Phone, rec.SecondaryPhone,
		rec.Company, rec.Title, rec.Notes, string(tags), string(fields),
		keys.Email, keys.Phone, keys.Name, seq, rec.CreatedAt, rec.UpdatedAt,
	)
	query, args := ib.Build()
	_, err = tx.ExecContext(ctx, query+upsertClause, args...)
	return err
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (model.ContactRecord, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(contactColumns...)
	sb.From("contacts")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var row contactRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ContactRecord{}, ErrNotFound
		}
		return model.ContactRecord{}, fmt.Errorf("get contact %s: %w", id, err)
	}
	return row.record()
}

func (s *SQLiteStore) RecordImportRun(ctx context.Context, a model.ImportAnalytics) error {
	ctx, span := tracer.Start(ctx, "repository.RecordImportRun",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("run.id", a.RunID), attribute.String("run.status", a.Status)),
	)
	defer span.End()

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode analytics: %w", err)
	}
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.ReplaceInto("import_runs")
	ib.Cols("run_id", "source", "status", "total", "inserted", "merged", "errors", "analytics", "started_at", "completed_at")
	ib.Values(a.RunID, a.Source, a.Status, a.Total, a.InsertedCount, a.MergedCount, a.ErrorCount, string(payload), a.StartedAt, a.CompletedAt)

	query, args := ib.Build()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error(ctx, "failed to record import run", logger.String("run_id", a.RunID), logger.Error(err))
		return fmt.Errorf("record import run %s: %w", a.RunID, err)
	}
	return nil
}

func (s *SQLiteStore) ImportRun(ctx context.Context, runID string) (model.ImportAnalytics, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("analytics")
	sb.From("import_runs")
	sb.Where(sb.Equal("run_id", runID))

	query, args := sb.Build()
	var payload string
	if err := s.db.GetContext(ctx, &payload, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ImportAnalytics{}, ErrRunNotFound
		}
		return model.ImportAnalytics{}, fmt.Errorf("get import run %s: %w", runID, err)
	}
	var a model.ImportAnalytics
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return model.ImportAnalytics{}, fmt.Errorf("decode import run %s: %w", runID, err)
	}
	return a, nil
}

func (s *SQLiteStore) RecordError(ctx context.Context, runID string, ie *recovery.ImportError) error {
	if ie == nil {
		return nil
	}
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("import_errors")
	ib.Cols("run_id", "kind", "severity", "message", "recoverable", "recovery_failed", "recovery_note",
		"file", "format", "line", "batch_index", "contact_id", "field", "stage", "occurred_at")
	ib.Values(runID, string(ie.Kind), string(ie.Severity), ie.Message, ie.Recoverable, ie.RecoveryFailed, ie.RecoveryNote,
		ie.Context.File, ie.Context.Format, ie.Context.Line, ie.Context.BatchIndex, ie.Context.ContactID,
		ie.Context.Field, ie.Context.Stage, ie.Timestamp)

	query, args := ib.Build()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("record import error: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Errors(ctx context.Context, runID string) ([]ErrorRecord, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("run_id", "kind", "severity", "message", "recoverable", "recovery_failed", "recovery_note",
		"file", "format", "line", "batch_index", "contact_id", "field", "stage", "occurred_at")
	sb.From("import_errors")
	sb.Where(sb.Equal("run_id", runID))
	sb.OrderBy("id")

	query, args := sb.Build()
	var rows []errorRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list import errors: %w", err)
	}
	out := make([]ErrorRecord, len(rows))
	for i, r := range rows {
		out[i] = ErrorRecord{RunID: r.RunID, Error: &recovery.ImportError{
			Kind:           recovery.Kind(r.Kind),
			Severity:       recovery.Severity(r.Severity),
			Message:        r.Message,
			Recoverable:    r.Recoverable,
			RecoveryFailed: r.RecoveryFailed,
			RecoveryNote:   r.RecoveryNote,
			Timestamp:      r.OccurredAt.UTC(),
			Context: recovery.ErrorContext{
				File:       r.File,
				Format:     r.Format,
				Line:       r.Line,
				BatchIndex: r.BatchIndex,
				ContactID:  r.ContactID,
				Field:      r.Field,
				Stage:      r.Stage,
			},
		}}
	}
	return out, nil
}

func (s *SQLiteStore) Count(ctx context.Context) int {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From("contacts")

	query, args := sb.Build()
	var n int
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		s.logger.Warn(ctx, "count failed", logger.Error(err))
		return 0
	}
	return n
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
