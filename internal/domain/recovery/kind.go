// Package recovery classifies import failures, decides whether they can be
// recovered, and runs the kind-specific recovery or retry policy.
package recovery

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
)

// Kind is the fixed error taxonomy of the import pipeline.
type Kind string

const (
	KindFileRead           Kind = "file_read"
	KindFileParse          Kind = "file_parse"
	KindFileFormat         Kind = "file_format"
	KindNormalization      Kind = "normalization"
	KindDuplicateDetection Kind = "duplicate_detection"
	KindDatabase           Kind = "database"
	KindValidation         Kind = "validation"
	KindUnknown            Kind = "unknown"
)

// Kinds lists every kind in declaration order.
var Kinds = []Kind{
	KindFileRead, KindFileParse, KindFileFormat, KindNormalization,
	KindDuplicateDetection, KindDatabase, KindValidation, KindUnknown,
}

// Strategy names the recovery action associated with a kind.
type Strategy string

const (
	StrategyRetryRead         Strategy = "retry_read"
	StrategyAlternateParser   Strategy = "alternate_parser"
	StrategyDetectByExtension Strategy = "detect_by_extension"
	StrategyFallbackRules     Strategy = "fallback_rules"
	StrategyLoosenThreshold   Strategy = "loosen_threshold"
	StrategyRetryWrite        Strategy = "retry_write"
	StrategySkipRecord        Strategy = "skip_record"
	StrategyNone              Strategy = "none"
)

var strategies = map[Kind]Strategy{
	KindFileRead:           StrategyRetryRead,
	KindFileParse:          StrategyAlternateParser,
	KindFileFormat:         StrategyDetectByExtension,
	KindNormalization:      StrategyFallbackRules,
	KindDuplicateDetection: StrategyLoosenThreshold,
	KindDatabase:           StrategyRetryWrite,
	KindValidation:         StrategySkipRecord,
	KindUnknown:            StrategyNone,
}

// StrategyFor returns the recovery strategy for kind.
func StrategyFor(kind Kind) Strategy {
	if s, ok := strategies[kind]; ok {
		return s
	}
	return StrategyNone
}

// Severity separates hard errors from warnings. A recovered error is
// downgraded to a warning.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// NoBatch marks an error raised outside any batch.
const NoBatch = -1

// ErrorContext records where an error originated.
type ErrorContext struct {
	File       string `json:"file,omitempty"`
	Format     string `json:"format,omitempty"`
	Line       int    `json:"line,omitempty"`
	BatchIndex int    `json:"batchIndex"`
	ContactID  string `json:"contactId,omitempty"`
	Field      string `json:"field,omitempty"`
	Stage      string `json:"stage,omitempty"`
}

// ImportError is a classified pipeline failure. It is attached to the run's
// output and never dropped silently.
type ImportError struct {
	Kind           Kind         `json:"kind"`
	Message        string       `json:"message"`
	Context        ErrorContext `json:"context"`
	Timestamp      time.Time    `json:"timestamp"`
	Recoverable    bool         `json:"recoverable"`
	Severity       Severity     `json:"severity"`
	RecoveryFailed bool         `json:"recoveryFailed,omitempty"`
	RecoveryNote   string       `json:"recoveryNote,omitempty"`
	Cause          error        `json:"-"`
}

// Option fills in ImportError context.
type Option func(*ImportError)

// WithFile records the source file name.
func WithFile(name string) Option { return func(e *ImportError) { e.Context.File = name } }

// WithFormat records the detected file format.
func WithFormat(format string) Option { return func(e *ImportError) { e.Context.Format = format } }

// WithLine records the 1-based source line.
func WithLine(line int) Option { return func(e *ImportError) { e.Context.Line = line } }

// WithBatch records the batch index.
func WithBatch(index int) Option { return func(e *ImportError) { e.Context.BatchIndex = index } }

// WithContact records the offending contact id.
func WithContact(id string) Option { return func(e *ImportError) { e.Context.ContactID = id } }

// WithField records the offending field.
func WithField(field string) Option { return func(e *ImportError) { e.Context.Field = field } }

// WithStage records the pipeline stage.
func WithStage(stage string) Option { return func(e *ImportError) { e.Context.Stage = stage } }

// WithTimestamp overrides the creation time.
func WithTimestamp(ts time.Time) Option { return func(e *ImportError) { e.Timestamp = ts } }

// AsWarning creates the error with warning severity.
func AsWarning() Option { return func(e *ImportError) { e.Severity = SeverityWarning } }

// New creates a classified error. Recoverable is derived from the kind and
// the supplied context.
func New(kind Kind, message string, opts ...Option) *ImportError {
	e := &ImportError{
		Kind:      kind,
		Message:   message,
		Context:   ErrorContext{BatchIndex: NoBatch},
		Timestamp: time.Now().UTC(),
		Severity:  SeverityError,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Recoverable = IsRecoverable(e.Kind, e.Context)
	return e
}

// Wrap classifies err under kind. An err that already is an ImportError is
// returned as is so context is not lost; pass KindUnknown to use Classify.
func Wrap(kind Kind, err error, opts ...Option) *ImportError {
	if err == nil {
		return nil
	}
	var ie *ImportError
	if errors.As(err, &ie) {
		return ie
	}
	if kind == "" || kind == KindUnknown {
		kind = Classify(err)
	}
	e := New(kind, err.Error(), opts...)
	e.Cause = err
	return e
}

func (e *ImportError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Context.File != "" {
		fmt.Fprintf(&b, " (file %s", e.Context.File)
		if e.Context.Line > 0 {
			fmt.Fprintf(&b, " line %d", e.Context.Line)
		}
		b.WriteString(")")
	}
	if e.Context.BatchIndex != NoBatch {
		fmt.Fprintf(&b, " [batch %d]", e.Context.BatchIndex)
	}
	if e.RecoveryNote != "" {
		b.WriteString("; ")
		b.WriteString(e.RecoveryNote)
	}
	return b.String()
}

func (e *ImportError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrDatabase) match a database ImportError even when
// the cause is a driver error.
func (e *ImportError) Is(target error) bool {
	return sentinelFor(e.Kind) == target && target != nil
}

// IsWarning reports whether the error is a soft issue.
func (e *ImportError) IsWarning() bool { return e.Severity == SeverityWarning }

// Classify maps an arbitrary error onto the taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ie *ImportError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	for _, k := range Kinds {
		if s := sentinelFor(k); s != nil && errors.Is(err, s) {
			return k
		}
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return KindFileRead
	}
	return KindUnknown
}

func sentinelFor(kind Kind) error {
	switch kind {
	case KindFileRead:
		return ErrFileRead
	case KindFileParse:
		return ErrFileParse
	case KindFileFormat:
		return ErrFileFormat
	case KindNormalization:
		return ErrNormalization
	case KindDuplicateDetection:
		return ErrDuplicateDetection
	case KindDatabase:
		return ErrDatabase
	case KindValidation:
		return ErrValidation
	default:
		return nil
	}
}

// IsRecoverable evaluates the kind's recoverable predicate against ctx.
func IsRecoverable(kind Kind, ctx ErrorContext) bool {
	switch kind {
	case KindFileRead:
		return ctx.File != ""
	case KindFileParse:
		// Re-parsing needs to know what was being parsed and where it broke.
		return ctx.Format != "" && ctx.Line > 0
	case KindFileFormat:
		return ctx.File != ""
	case KindNormalization, KindDuplicateDetection, KindDatabase:
		return true
	case KindValidation:
		return ctx.ContactID != ""
	default:
		return false
	}
}
