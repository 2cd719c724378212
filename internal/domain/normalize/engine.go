// Package normalize canonicalizes contact field values through an ordered
// rule list and keeps an append-only log of every change it makes.
package normalize

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/okian/rolodex/internal/domain/model"
	"github.com/okian/rolodex/pkg/logger"
	"github.com/okian/rolodex/pkg/metrics"
)

// Stats summarizes normalization work.
type Stats struct {
	Total   int            `json:"total"`
	Changed int            `json:"changed"`
	Changes int            `json:"changes"`
	ByField map[string]int `json:"byField"`
}

func newStats() Stats {
	return Stats{ByField: make(map[string]int)}
}

func (s *Stats) add(changes []model.NormalizationChange) {
	s.Total++
	if len(changes) == 0 {
		return
	}
	s.Changed++
	s.Changes += len(changes)
	for _, c := range changes {
		s.ByField[c.Field]++
	}
}

// Merge adds o's counts into s.
func (s *Stats) Merge(o Stats) {
	if s.ByField == nil {
		s.ByField = make(map[string]int)
	}
	s.Total += o.Total
	s.Changed += o.Changed
	s.Changes += o.Changes
	for k, v := range o.ByField {
		s.ByField[k] += v
	}
}

// Clone returns an independent copy.
func (s Stats) Clone() Stats {
	s.ByField = maps.Clone(s.ByField)
	return s
}

// Engine applies rules in registration order. Every rule whose field matches
// runs against the output of the rules before it. Engines are safe for
// concurrent use; create one per pipeline run.
type Engine struct {
	mu      sync.RWMutex
	rules   []Rule
	history []model.NormalizationChange

	builtins bool
	pending  []Rule
	now      func() time.Time
	logger   logger.Logger
}

// New creates an engine with the built-in rules followed by any rules passed
// through WithRules.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		builtins: true,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.Get().Named("normalize"),
	}
	for _, opt := range opts {
		opt(e)
	}

	var rules []Rule
	if e.builtins {
		rules = append(rules, Builtins()...)
	}
	rules = append(rules, e.pending...)
	e.pending = nil

	for _, r := range rules {
		if err := e.AddRule(r); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// AddRule appends a custom rule.
func (e *Engine) AddRule(r Rule) error {
	compiled, err := r.compile()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rules = append(e.rules, compiled)
	e.mu.Unlock()
	return nil
}

// Rules returns the registered rules in application order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Normalize returns a normalized copy of rec and the changes made. A rule
// that leaves the value untouched produces no change entry. Fields missing
// from the record are skipped, except by field_copy, which may create them.
// Additional fields holding non-string values are never rewritten.
func (e *Engine) Normalize(rec model.ContactRecord) (model.ContactRecord, []model.NormalizationChange) {
	rules := e.Rules()
	out := rec.Clone()
	var changes []model.NormalizationChange

	for _, r := range rules {
		cur, ok := out.Get(r.Field)
		if !ok {
			if _, present := out.AdditionalFields[r.Field]; present || r.Op != OpFieldCopy {
				continue
			}
		}
		next := r.apply(&out, cur)
		if next == cur {
			continue
		}
		out.Set(r.Field, next)
		changes = append(changes, model.NormalizationChange{
			RecordID:        out.ID,
			Field:           r.Field,
			OriginalValue:   cur,
			NormalizedValue: next,
			Rule:            r.Description,
			Timestamp:       e.now(),
		})
	}

	if len(changes) > 0 {
		e.mu.Lock()
		e.history = append(e.history, changes...)
		e.mu.Unlock()
	}
	return out, changes
}

// NormalizeMany normalizes every record in order.
func (e *Engine) NormalizeMany(records []model.ContactRecord) ([]model.ContactRecord, Stats) {
	out := make([]model.ContactRecord, len(records))
	stats := newStats()
	for i, rec := range records {
		n, changes := e.Normalize(rec)
		out[i] = n
		stats.add(changes)
	}
	for field, n := range stats.ByField {
		metrics.RecordNormalizationChanges(field, n)
	}
	return out, stats
}

// NormalizeBatch is NormalizeMany for a pipeline stage: it honours ctx and
// turns a panicking rule into an error.
func (e *Engine) NormalizeBatch(ctx context.Context, records []model.ContactRecord) (out []model.ContactRecord, stats Stats, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, stats = nil, Stats{}
			err = fmt.Errorf("%w: %v", ErrRulePanic, p)
			e.logger.Error(ctx, "normalization rule panicked", logger.Any("panic", p))
		}
	}()

	out = make([]model.ContactRecord, len(records))
	stats = newStats()
	for i, rec := range records {
		if cerr := ctx.Err(); cerr != nil {
			return nil, Stats{}, cerr
		}
		n, changes := e.Normalize(rec)
		out[i] = n
		stats.add(changes)
	}
	for field, n := range stats.ByField {
		metrics.RecordNormalizationChanges(field, n)
	}
	e.logger.Debug(ctx, "batch normalized",
		logger.Int("records", stats.Total),
		logger.Int("changed", stats.Changed),
	)
	return out, stats, nil
}

// Revert restores every logged field of rec to the value it had before the
// first change recorded for it since the last ClearHistory.
func (e *Engine) Revert(rec model.ContactRecord) model.ContactRecord {
	e.mu.RLock()
	original := make(map[string]string)
	for _, c := range e.history {
		if c.RecordID != rec.ID {
			continue
		}
		if _, seen := original[c.Field]; !seen {
			original[c.Field] = c.OriginalValue
		}
	}
	e.mu.RUnlock()
	return restore(rec, original)
}

// RevertLast undoes only the most recent logged change of each field.
func (e *Engine) RevertLast(rec model.ContactRecord) model.ContactRecord {
	e.mu.RLock()
	previous := make(map[string]string)
	for _, c := range e.history {
		if c.RecordID == rec.ID {
			previous[c.Field] = c.OriginalValue
		}
	}
	e.mu.RUnlock()
	return restore(rec, previous)
}

func restore(rec model.ContactRecord, values map[string]string) model.ContactRecord {
	out := rec.Clone()
	for field, v := range values {
		if _, ok := out.Get(field); ok || model.IsRecognizedField(field) {
			out.Set(field, v)
		}
	}
	return out
}

// Changes returns a copy of the change log.
func (e *Engine) Changes() []model.NormalizationChange {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.NormalizationChange, len(e.history))
	copy(out, e.history)
	return out
}

// ChangesFor returns the logged changes of a single record.
func (e *Engine) ChangesFor(id string) []model.NormalizationChange {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []model.NormalizationChange
	for _, c := range e.history {
		if c.RecordID == id {
			out = append(out, c)
		}
	}
	return out
}

// ClearHistory drops the change log.
func (e *Engine) ClearHistory() {
	e.mu.Lock()
	e.history = nil
	e.mu.Unlock()
}

// Stats derives change counts from the log. The log only knows records that
// changed, so Total equals Changed.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := newStats()
	records := make(map[string]struct{})
	for _, c := range e.history {
		s.ByField[c.Field]++
		records[c.RecordID] = struct{}{}
	}
	s.Changed = len(records)
	s.Total = s.Changed
	s.Changes = len(e.history)
	return s
}
