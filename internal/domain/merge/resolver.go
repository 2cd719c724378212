// Package merge detects conflicts between incoming and stored contacts and
// reconciles them under a merge strategy.
package merge

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/okian/rolodex/internal/domain/model"
	"github.com/okian/rolodex/pkg/logger"
	"github.com/okian/rolodex/pkg/metrics"
)

const defaultSeparator = ", "

// Counts are the resolver's cumulative outcome counters.
type Counts struct {
	Merged   int `json:"merged"`
	Skipped  int `json:"skipped"`
	KeptBoth int `json:"keptBoth"`
}

// Resolution is the outcome of resolving a set of conflicts.
type Resolution struct {
	// Records are the results to persist: merged records carry the stored id,
	// kept-both records carry their own.
	Records []model.ContactRecord
	Counts
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSeparator sets the combine separator.
func WithSeparator(sep string) Option {
	return func(r *Resolver) {
		if sep != "" {
			r.separator = sep
		}
	}
}

// WithClock overrides the merge timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// Resolver is safe for concurrent use.
type Resolver struct {
	separator string
	now       func() time.Time
	logger    logger.Logger

	merged   atomic.Int64
	skipped  atomic.Int64
	keptBoth atomic.Int64
}

// NewResolver creates a resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		separator: defaultSeparator,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.Get().Named("merge"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// matchedOn lists the identifying fields shared by a and b, or nil when they
// do not conflict. Names only count when email or phone is present on both
// sides.
func matchedOn(a, b model.MatchKeys) []string {
	var on []string
	if a.Email != "" && a.Email == b.Email {
		on = append(on, model.FieldEmail)
	}
	if a.Phone != "" && a.Phone == b.Phone {
		on = append(on, model.FieldPhone)
	}
	nameMatch := a.Name != "" && a.Name == b.Name
	if nameMatch {
		on = append(on, model.FieldName)
	}
	if len(on) == 1 && nameMatch {
		bothEmail := a.Email != "" && b.Email != ""
		bothPhone := a.Phone != "" && b.Phone != ""
		if !bothEmail && !bothPhone {
			return nil
		}
	}
	return on
}

// FindConflicts pairs every incoming record with the first stored record it
// conflicts with. Records without a conflict are not returned.
func (r *Resolver) FindConflicts(newRecords, existing []model.ContactRecord) []model.ConflictPair {
	emailIdx := make(map[string]int)
	phoneIdx := make(map[string]int)
	nameIdx := make(map[string][]int)
	existingKeys := make([]model.MatchKeys, len(existing))
	for i, e := range existing {
		k := e.Keys()
		existingKeys[i] = k
		if _, ok := emailIdx[k.Email]; k.Email != "" && !ok {
			emailIdx[k.Email] = i
		}
		if _, ok := phoneIdx[k.Phone]; k.Phone != "" && !ok {
			phoneIdx[k.Phone] = i
		}
		if k.Name != "" {
			nameIdx[k.Name] = append(nameIdx[k.Name], i)
		}
	}

	var pairs []model.ConflictPair
	for _, n := range newRecords {
		k := n.Keys()
		best := -1
		pick := func(i int) {
			if best < 0 || i < best {
				best = i
			}
		}
		if i, ok := emailIdx[k.Email]; ok && k.Email != "" {
			pick(i)
		}
		if i, ok := phoneIdx[k.Phone]; ok && k.Phone != "" {
			pick(i)
		}
		for _, i := range nameIdx[k.Name] {
			if matchedOn(k, existingKeys[i]) != nil {
				pick(i)
				break
			}
		}
		if best < 0 {
			continue
		}
		pairs = append(pairs, model.ConflictPair{
			New:       n,
			Existing:  existing[best],
			MatchedOn: matchedOn(k, existingKeys[best]),
		})
	}
	metrics.RecordConflicts(len(pairs))
	return pairs
}

// Merge reconciles newRec with existing. It returns nil when the record is
// skipped. Custom rules take over the whole resolution: with rules present a
// skip or keep_both strategy merges anyway, using prefer_existing for fields
// without a rule.
func (r *Resolver) Merge(newRec, existing model.ContactRecord, strategy Strategy, rules []FieldRule) (*model.ContactRecord, error) {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}

	if len(rules) == 0 {
		switch strategy {
		case StrategySkip:
			r.skipped.Add(1)
			metrics.RecordMerge(string(strategy), "skipped")
			return nil, nil
		case StrategyKeepBoth:
			out := newRec.Clone()
			if out.AdditionalFields == nil {
				out.AdditionalFields = make(map[string]any)
			}
			out.AdditionalFields[model.ConflictsWithKey] = existing.ID
			r.keptBoth.Add(1)
			metrics.RecordMerge(string(strategy), "kept_both")
			return &out, nil
		}
	}

	out := r.mergeFields(newRec, existing, strategy, rules)
	r.merged.Add(1)
	metrics.RecordMerge(string(strategy), "merged")
	return &out, nil
}

// Resolve merges every conflict and returns what should be persisted. When
// several incoming records collide with the same stored record they are
// merged into it one after another and only the final result is returned.
func (r *Resolver) Resolve(ctx context.Context, conflicts []model.ConflictPair, strategy Strategy, rules []FieldRule) (Resolution, error) {
	var res Resolution
	mergedAt := make(map[string]int)
	for _, c := range conflicts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		existing := c.Existing
		i, seen := mergedAt[existing.ID]
		if seen {
			existing = res.Records[i]
		}
		out, err := r.Merge(c.New, existing, strategy, rules)
		if err != nil {
			return res, err
		}
		switch {
		case out == nil:
			res.Skipped++
		case out.ID == existing.ID:
			res.Merged++
			if seen {
				res.Records[i] = *out
				continue
			}
			mergedAt[existing.ID] = len(res.Records)
			res.Records = append(res.Records, *out)
		default:
			res.KeptBoth++
			res.Records = append(res.Records, *out)
		}
	}
	r.logger.Debug(ctx, "conflicts resolved",
		logger.String("strategy", string(strategy)),
		logger.Int("conflicts", len(conflicts)),
		logger.Int("merged", res.Merged),
		logger.Int("skipped", res.Skipped),
		logger.Int("kept_both", res.KeptBoth),
	)
	return res, nil
}

// Collapse folds a duplicate group into its seed. Skip and keep_both behave
// like prefer_existing here. Counters are not touched.
func (r *Resolver) Collapse(group model.DuplicateGroup, strategy Strategy, rules []FieldRule) model.ContactRecord {
	if len(group.Records) == 0 {
		return model.ContactRecord{}
	}
	out := group.Records[0]
	for _, dup := range group.Records[1:] {
		out = r.mergeFields(dup, out, strategy, rules)
	}
	return out
}

// Counts returns the cumulative counters.
func (r *Resolver) Counts() Counts {
	return Counts{
		Merged:   int(r.merged.Load()),
		Skipped:  int(r.skipped.Load()),
		KeptBoth: int(r.keptBoth.Load()),
	}
}

// Reset zeroes the counters.
func (r *Resolver) Reset() {
	r.merged.Store(0)
	r.skipped.Store(0)
	r.keptBoth.Store(0)
}

func (r *Resolver) mergeFields(newRec, existing model.ContactRecord, strategy Strategy, rules []FieldRule) model.ContactRecord {
	byField := make(map[string]FieldStrategy, len(rules))
	for _, rule := range rules {
		byField[rule.Field] = rule.Strategy
	}
	blanket := blanketField(strategy)

	out := existing.Clone()
	for _, f := range model.StringFields {
		fs, ok := byField[f]
		if !ok {
			fs = blanket
		}
		nv, _ := newRec.Get(f)
		ev, _ := existing.Get(f)
		out.Set(f, resolveValue(fs, nv, ev, r.separator))
	}
	out.Tags = unionTags(existing.Tags, newRec.Tags)

	// the incoming record may carry history of its own from an in-file collapse
	history := append(historyOf(existing), historyOf(newRec)...)
	extra := make(map[string]any, len(existing.AdditionalFields)+len(newRec.AdditionalFields))
	maps.Copy(extra, existing.AdditionalFields)
	for k, v := range newRec.AdditionalFields {
		if k == model.MergeHistoryKey {
			continue
		}
		extra[k] = v
	}
	// rules may also name additional fields holding strings
	for field, fs := range byField {
		if model.IsRecognizedField(field) {
			continue
		}
		nv, nok := newRec.Get(field)
		ev, eok := existing.Get(field)
		if nok || eok {
			extra[field] = resolveValue(fs, nv, ev, r.separator)
		}
	}

	applied := make(map[string]string, len(byField))
	for f, fs := range byField {
		applied[f] = string(fs)
	}
	extra[model.MergeHistoryKey] = append(history, model.MergeHistoryEntry{
		MergedAt: r.now(),
		Strategy: string(strategy),
		Rules:    applied,
		Existing: existing.WithoutHistory(),
		New:      newRec.WithoutHistory(),
	})
	out.AdditionalFields = extra

	out.ID = existing.ID
	out.CreatedAt = existing.CreatedAt
	out.UpdatedAt = r.now()
	return out
}

func historyOf(c model.ContactRecord) []any {
	switch h := c.AdditionalFields[model.MergeHistoryKey].(type) {
	case []any:
		return slices.Clone(h)
	case []model.MergeHistoryEntry:
		out := make([]any, len(h))
		for i, e := range h {
			out[i] = e
		}
		return out
	}
	return nil
}

func unionTags(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, t := range slices.Concat(a, b) {
		key := strings.ToLower(strings.TrimSpace(t))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}
