package normalize

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/okian/rolodex/internal/domain/model"
)

// Op is one of the closed set of transform operators a rule can use.
type Op string

const (
	OpTrim               Op = "trim"
	OpLowercase          Op = "lowercase"
	OpCollapseWhitespace Op = "collapse_whitespace"
	OpRegexReplace       Op = "regex_replace"
	OpTemplate           Op = "template"
	OpFieldCopy          Op = "field_copy"
	OpUnicodeNFC         Op = "unicode_nfc"
	OpTitleCase          Op = "title_case"
)

// Rule rewrites a single field. A rule with a Pattern and no Op is a
// regex_replace rule.
type Rule struct {
	Field       string `json:"field" koanf:"field"`
	Op          Op     `json:"op,omitempty" koanf:"op"`
	Pattern     string `json:"pattern,omitempty" koanf:"pattern"`
	Replacement string `json:"replacement,omitempty" koanf:"replacement"`
	// Template may reference {{value}} and {{field:<name>}}.
	Template    string `json:"template,omitempty" koanf:"template"`
	Source      string `json:"source,omitempty" koanf:"source"`
	Description string `json:"description,omitempty" koanf:"description"`

	re *regexp.Regexp
}

var placeholder = regexp.MustCompile(`\{\{\s*(value|field:([A-Za-z0-9_.-]+))\s*\}\}`)

// compile validates r and prepares it for application.
func (r Rule) compile() (Rule, error) {
	if r.Op == "" && r.Pattern != "" {
		r.Op = OpRegexReplace
	}
	if strings.TrimSpace(r.Field) == "" {
		return r, fmt.Errorf("%w: field is required", ErrInvalidRule)
	}
	if r.Field == model.FieldID || r.Field == model.FieldTags {
		return r, fmt.Errorf("%w: field %q cannot be normalized", ErrInvalidRule, r.Field)
	}

	switch r.Op {
	case OpTrim, OpLowercase, OpCollapseWhitespace, OpUnicodeNFC, OpTitleCase:
	case OpRegexReplace:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return r, fmt.Errorf("%w: pattern %q: %v", ErrInvalidRule, r.Pattern, err)
		}
		r.re = re
	case OpTemplate:
		if r.Template == "" {
			return r, fmt.Errorf("%w: template is required", ErrInvalidRule)
		}
	case OpFieldCopy:
		if r.Source == "" || r.Source == r.Field {
			return r, fmt.Errorf("%w: field_copy needs a distinct source", ErrInvalidRule)
		}
	default:
		return r, fmt.Errorf("%w: unknown op %q", ErrInvalidRule, r.Op)
	}

	if r.Description == "" {
		r.Description = r.describe()
	}
	return r, nil
}

func (r Rule) describe() string {
	switch r.Op {
	case OpRegexReplace:
		return fmt.Sprintf("%s: replace /%s/ with %q", r.Field, r.Pattern, r.Replacement)
	case OpTemplate:
		return fmt.Sprintf("%s: template %q", r.Field, r.Template)
	case OpFieldCopy:
		return fmt.Sprintf("%s: copy from %s when empty", r.Field, r.Source)
	default:
		return fmt.Sprintf("%s: %s", r.Field, r.Op)
	}
}

// apply returns the rewritten value. rec is only read, for template and
// field_copy lookups.
func (r Rule) apply(rec *model.ContactRecord, value string) string {
	switch r.Op {
	case OpTrim:
		return strings.TrimSpace(value)
	case OpLowercase:
		return strings.ToLower(value)
	case OpCollapseWhitespace:
		return strings.Join(strings.Fields(value), " ")
	case OpRegexReplace:
		return r.re.ReplaceAllString(value, r.Replacement)
	case OpTemplate:
		return placeholder.ReplaceAllStringFunc(r.Template, func(m string) string {
			sub := placeholder.FindStringSubmatch(m)
			if sub[1] == "value" {
				return value
			}
			v, _ := rec.Get(sub[2])
			return v
		})
	case OpFieldCopy:
		if value != "" {
			return value
		}
		v, _ := rec.Get(r.Source)
		return v
	case OpUnicodeNFC:
		return norm.NFC.String(value)
	case OpTitleCase:
		// cases.Caser is stateful and not safe for concurrent use.
		return cases.Title(language.Und).String(value)
	}
	return value
}

// Builtins returns the fixed rule set applied before any custom rule.
func Builtins() []Rule {
	rules := []Rule{
		{Field: model.FieldEmail, Op: OpTrim, Description: "email: trim whitespace"},
		{Field: model.FieldEmail, Op: OpLowercase, Description: "email: lowercase"},
		{Field: model.FieldEmail, Op: OpRegexReplace, Pattern: `[^a-z0-9@._+\-]`, Description: "email: strip non-address characters"},
		{Field: model.FieldPhone, Op: OpRegexReplace, Pattern: `[^0-9+]`, Description: "phone: strip non-digit characters"},
		{Field: model.FieldSecondaryPhone, Op: OpRegexReplace, Pattern: `[^0-9+]`, Description: "secondaryPhone: strip non-digit characters"},
	}
	for _, f := range []string{model.FieldFirstName, model.FieldLastName, model.FieldName} {
		rules = append(rules,
			Rule{Field: f, Op: OpUnicodeNFC, Description: f + ": unicode NFC"},
			Rule{Field: f, Op: OpCollapseWhitespace, Description: f + ": collapse whitespace"},
		)
	}
	for _, f := range []string{model.FieldCompany, model.FieldTitle} {
		rules = append(rules, Rule{Field: f, Op: OpCollapseWhitespace, Description: f + ": collapse whitespace"})
	}
	return rules
}
