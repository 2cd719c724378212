package merge

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/okian/rolodex/internal/domain/model"
)

// Strategy is the blanket policy for a conflicting record.
type Strategy string

const (
	StrategyPreferNew      Strategy = "prefer_new"
	StrategyPreferExisting Strategy = "prefer_existing"
	StrategyCombine        Strategy = "combine"
	StrategySkip           Strategy = "skip"
	StrategyKeepBoth       Strategy = "keep_both"
)

// ParseStrategy converts a configuration or request string.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StrategyPreferNew, StrategyPreferExisting, StrategyCombine, StrategySkip, StrategyKeepBoth:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// FieldStrategy resolves a single field.
type FieldStrategy string

const (
	// FieldPreferNew takes the new value even when it is empty.
	FieldPreferNew FieldStrategy = "prefer_new"
	// FieldPreferExisting keeps the stored value even when it is empty.
	FieldPreferExisting FieldStrategy = "prefer_existing"
	FieldCombine        FieldStrategy = "combine"
	FieldLongest        FieldStrategy = "longest"
	// FieldPreferNonEmpty takes the new value unless it is empty.
	FieldPreferNonEmpty FieldStrategy = "prefer_non_empty"
)

// FieldRule overrides the blanket strategy for one field.
type FieldRule struct {
	Field    string        `json:"field" koanf:"field"`
	Strategy FieldStrategy `json:"strategy" koanf:"strategy"`
}

func (r FieldRule) validate() error {
	if r.Field == "" || r.Field == model.FieldID {
		return fmt.Errorf("%w: field %q", ErrInvalidFieldRule, r.Field)
	}
	switch r.Strategy {
	case FieldPreferNew, FieldPreferExisting, FieldCombine, FieldLongest, FieldPreferNonEmpty:
		return nil
	}
	return fmt.Errorf("%w: strategy %q for %s", ErrInvalidFieldRule, r.Strategy, r.Field)
}

// ValidateRules checks every rule.
func ValidateRules(rules []FieldRule) error {
	for _, r := range rules {
		if err := r.validate(); err != nil {
			return err
		}
	}
	return nil
}

// resolveValue picks the field value under a field strategy.
func resolveValue(fs FieldStrategy, newVal, existingVal, sep string) string {
	switch fs {
	case FieldPreferNew:
		return newVal
	case FieldPreferExisting:
		return existingVal
	case FieldCombine:
		return combine(existingVal, newVal, sep)
	case FieldLongest:
		if utf8.RuneCountInString(newVal) > utf8.RuneCountInString(existingVal) {
			return newVal
		}
		return existingVal
	case preferExistingNonEmpty:
		if strings.TrimSpace(existingVal) != "" {
			return existingVal
		}
		return newVal
	default:
		if strings.TrimSpace(newVal) != "" {
			return newVal
		}
		return existingVal
	}
}

// combine joins differing values as "existing<sep>new". A value already
// present as a segment of existing is not added again.
func combine(existingVal, newVal, sep string) string {
	if strings.TrimSpace(newVal) == "" {
		return existingVal
	}
	if strings.TrimSpace(existingVal) == "" {
		return newVal
	}
	for _, part := range strings.Split(existingVal, sep) {
		if strings.EqualFold(strings.TrimSpace(part), strings.TrimSpace(newVal)) {
			return existingVal
		}
	}
	return existingVal + sep + newVal
}

// blanketField maps a blanket strategy onto its non-destructive field form.
func blanketField(s Strategy) FieldStrategy {
	switch s {
	case StrategyPreferNew:
		return FieldPreferNonEmpty
	case StrategyCombine:
		return FieldCombine
	default:
		return preferExistingNonEmpty
	}
}

// preferExistingNonEmpty keeps the stored value unless it is empty.
const preferExistingNonEmpty FieldStrategy = "prefer_existing_non_empty"
