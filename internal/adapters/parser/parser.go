// Package parser turns uploaded contact files into raw ContactRecords.
// Values are kept as they appear in the source; only ids are generated.
package parser

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/okian/rolodex/internal/domain/model"
)

// ctxCheckEvery is how many rows are read between context checks.
const ctxCheckEvery = 256

// Option configures a Parser.
type Option func(*Parser)

// WithLenient tolerates ragged rows, bare quotes, JSON Lines and unreadable
// vCard lines instead of failing.
func WithLenient(lenient bool) Option {
	return func(p *Parser) {
		p.lenient = lenient
	}
}

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(gen func() string) Option {
	return func(p *Parser) {
		if gen != nil {
			p.newID = gen
		}
	}
}

// Parser is stateless and safe for concurrent use.
type Parser struct {
	lenient bool
	newID   func() string
}

// New creates a strict parser.
func New(opts ...Option) *Parser {
	p := &Parser{newID: uuid.NewString}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Lenient returns a lenient copy of p.
func (p *Parser) Lenient() *Parser {
	cp := *p
	cp.lenient = true
	return &cp
}

// IsLenient reports the parser mode.
func (p *Parser) IsLenient() bool { return p.lenient }

// Parse decodes raw as format. Every record gets a fresh id.
func (p *Parser) Parse(ctx context.Context, raw []byte, format Format) ([]model.ContactRecord, error) {
	switch format {
	case FormatCSV:
		return p.parseCSV(ctx, raw)
	case FormatJSON:
		return p.parseJSON(ctx, raw)
	case FormatVCard:
		return p.parseVCard(ctx, raw)
	case FormatXLSX:
		return p.parseXLSX(ctx, raw)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

var aliases = map[string]string{
	"firstname": model.FieldFirstName, "first": model.FieldFirstName, "givenname": model.FieldFirstName, "forename": model.FieldFirstName,
	"lastname": model.FieldLastName, "last": model.FieldLastName, "surname": model.FieldLastName, "familyname": model.FieldLastName,
	"name": model.FieldName, "fullname": model.FieldName, "displayname": model.FieldName, "contactname": model.FieldName, "fn": model.FieldName,
	"email": model.FieldEmail, "emailaddress": model.FieldEmail, "mail": model.FieldEmail, "email1": model.FieldEmail, "primaryemail": model.FieldEmail,
	"phone": model.FieldPhone, "phonenumber": model.FieldPhone, "mobile": model.FieldPhone, "mobilephone": model.FieldPhone,
	"tel": model.FieldPhone, "telephone": model.FieldPhone, "cell": model.FieldPhone, "phone1": model.FieldPhone,
	"secondaryphone": model.FieldSecondaryPhone, "phone2": model.FieldSecondaryPhone, "workphone": model.FieldSecondaryPhone,
	"homephone": model.FieldSecondaryPhone, "altphone": model.FieldSecondaryPhone, "otherphone": model.FieldSecondaryPhone,
	"company": model.FieldCompany, "organization": model.FieldCompany, "organisation": model.FieldCompany,
	"org": model.FieldCompany, "employer": model.FieldCompany, "companyname": model.FieldCompany,
	"title": model.FieldTitle, "jobtitle": model.FieldTitle, "position": model.FieldTitle, "role": model.FieldTitle,
	"notes": model.FieldNotes, "note": model.FieldNotes, "comments": model.FieldNotes, "comment": model.FieldNotes,
	"tags": model.FieldTags, "labels": model.FieldTags, "groups": model.FieldTags, "categories": model.FieldTags,
	"id": sourceIDKey, "uid": sourceIDKey, "contactid": sourceIDKey,
}

// sourceIDKey keeps an id found in the file; the record id is always fresh.
const sourceIDKey = "sourceId"

// fieldFor maps a source column name onto a recognised field. It returns ""
// for unmatched columns.
func fieldFor(header string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(header) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return aliases[b.String()]
}

// builder assembles one record from (column, value) pairs.
type builder struct {
	rec model.ContactRecord
}

func (p *Parser) newBuilder() *builder {
	return &builder{rec: model.ContactRecord{ID: p.newID()}}
}

// extra stores value under key in AdditionalFields. Keys that collide with an
// earlier column, a recognised field or a reserved key get a numeric suffix.
func (b *builder) extra(key string, value any) {
	if b.rec.AdditionalFields == nil {
		b.rec.AdditionalFields = make(map[string]any)
	}
	base, k := key, key
	for n := 2; ; n++ {
		if _, taken := b.rec.AdditionalFields[k]; !taken && !model.IsRecognizedField(k) && !model.IsReservedKey(k) {
			break
		}
		k = base + "_" + strconv.Itoa(n)
	}
	b.rec.AdditionalFields[k] = value
}

// set stores a string value under column. Empty values are dropped.
func (b *builder) set(column, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	field := fieldFor(column)
	switch field {
	case "":
		b.extra(strings.TrimSpace(column), value)
		return
	case sourceIDKey:
		b.extra(sourceIDKey, value)
		return
	case model.FieldTags:
		b.rec.Tags = append(b.rec.Tags, splitTags(value)...)
		return
	}
	if cur, _ := b.rec.Get(field); cur == "" {
		b.rec.Set(field, value)
		return
	}
	if field == model.FieldPhone && b.rec.SecondaryPhone == "" {
		b.rec.SecondaryPhone = value
		return
	}
	b.extra(field, value)
}

func (b *builder) empty() bool {
	r := b.rec
	for _, f := range model.StringFields {
		if v, _ := r.Get(f); v != "" {
			return false
		}
	}
	return len(r.Tags) == 0 && len(r.AdditionalFields) == 0
}

func splitTags(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' || r == '|' })
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
