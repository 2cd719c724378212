// Package model contains the domain records shared by the import pipeline.
package model

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Recognised contact field names. Rules, merge policies and parsers address
// fields by these names.
const (
	FieldID             = "id"
	FieldFirstName      = "firstName"
	FieldLastName       = "lastName"
	FieldName           = "name"
	FieldEmail          = "email"
	FieldPhone          = "phone"
	FieldSecondaryPhone = "secondaryPhone"
	FieldCompany        = "company"
	FieldTitle          = "title"
	FieldNotes          = "notes"
	FieldTags           = "tags"
)

// Reserved additionalFields keys written by the merge resolver.
const (
	MergeHistoryKey  = "mergeHistory"
	ConflictsWithKey = "conflictsWith"
)

// StringFields lists the recognised single-valued fields in a stable order.
var StringFields = []string{
	FieldFirstName,
	FieldLastName,
	FieldName,
	FieldEmail,
	FieldPhone,
	FieldSecondaryPhone,
	FieldCompany,
	FieldTitle,
	FieldNotes,
}

// ContactRecord is a flat bag of optional contact fields. ID is assigned by
// the parser and never changes afterwards.
type ContactRecord struct {
	ID               string         `json:"id"`
	FirstName        string         `json:"firstName,omitempty" validate:"max=200"`
	LastName         string         `json:"lastName,omitempty" validate:"max=200"`
	Name             string         `json:"name,omitempty" validate:"max=400"`
	Email            string         `json:"email,omitempty" validate:"omitempty,email,max=320"`
	Phone            string         `json:"phone,omitempty" validate:"omitempty,min=3,max=32"`
	SecondaryPhone   string         `json:"secondaryPhone,omitempty" validate:"omitempty,min=3,max=32"`
	Company          string         `json:"company,omitempty" validate:"max=400"`
	Title            string         `json:"title,omitempty" validate:"max=400"`
	Notes            string         `json:"notes,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	AdditionalFields map[string]any `json:"additionalFields,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// IsRecognizedField reports whether name is one of the built-in fields.
func IsRecognizedField(name string) bool {
	return name == FieldID || name == FieldTags || slices.Contains(StringFields, name)
}

// IsReservedKey reports whether key is written by the merge resolver and must
// not be taken by source data.
func IsReservedKey(key string) bool {
	return key == MergeHistoryKey || key == ConflictsWithKey
}

// Get returns the value of a string field. Recognised fields always exist;
// any other name is looked up in AdditionalFields and only string values count.
func (c *ContactRecord) Get(field string) (string, bool) {
	switch field {
	case FieldID:
		return c.ID, true
	case FieldFirstName:
		return c.FirstName, true
	case FieldLastName:
		return c.LastName, true
	case FieldName:
		return c.Name, true
	case FieldEmail:
		return c.Email, true
	case FieldPhone:
		return c.Phone, true
	case FieldSecondaryPhone:
		return c.SecondaryPhone, true
	case FieldCompany:
		return c.Company, true
	case FieldTitle:
		return c.Title, true
	case FieldNotes:
		return c.Notes, true
	case FieldTags:
		return "", false
	}
	v, ok := c.AdditionalFields[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set writes a string field. The id and tags cannot be set this way; unknown
// names are stored in AdditionalFields.
func (c *ContactRecord) Set(field, value string) bool {
	switch field {
	case FieldID, FieldTags:
		return false
	case FieldFirstName:
		c.FirstName = value
	case FieldLastName:
		c.LastName = value
	case FieldName:
		c.Name = value
	case FieldEmail:
		c.Email = value
	case FieldPhone:
		c.Phone = value
	case FieldSecondaryPhone:
		c.SecondaryPhone = value
	case FieldCompany:
		c.Company = value
	case FieldTitle:
		c.Title = value
	case FieldNotes:
		c.Notes = value
	default:
		if c.AdditionalFields == nil {
			c.AdditionalFields = make(map[string]any)
		}
		c.AdditionalFields[field] = value
	}
	return true
}

// FullName returns Name, or first and last name joined when Name is empty.
func (c *ContactRecord) FullName() string {
	if n := strings.TrimSpace(c.Name); n != "" {
		return n
	}
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}

// IsEmpty reports whether the record carries no identifying value.
func (c *ContactRecord) IsEmpty() bool {
	return c.FullName() == "" && strings.TrimSpace(c.Email) == "" && strings.TrimSpace(c.Phone) == ""
}

// Clone returns a copy that shares no slices or maps with c. Values nested
// inside AdditionalFields are copied shallowly.
func (c ContactRecord) Clone() ContactRecord {
	out := c
	out.Tags = slices.Clone(c.Tags)
	if c.AdditionalFields != nil {
		out.AdditionalFields = maps.Clone(c.AdditionalFields)
	}
	return out
}

// WithoutHistory returns a clone with the merge history stripped, used for
// audit snapshots so the history does not nest into itself.
func (c ContactRecord) WithoutHistory() ContactRecord {
	out := c.Clone()
	delete(out.AdditionalFields, MergeHistoryKey)
	if len(out.AdditionalFields) == 0 {
		out.AdditionalFields = nil
	}
	return out
}

// NormalizationChange is one logged rule application that altered a value.
type NormalizationChange struct {
	RecordID        string    `json:"recordId"`
	Field           string    `json:"field"`
	OriginalValue   string    `json:"originalValue"`
	NormalizedValue string    `json:"normalizedValue"`
	Rule            string    `json:"rule"`
	Timestamp       time.Time `json:"timestamp"`
}

// SimilarityFeatures holds the per-component scores between two records,
// each in [0,1].
type SimilarityFeatures struct {
	EmailMatch        float64 `json:"emailMatch"`
	PhoneMatch        float64 `json:"phoneMatch"`
	NameSimilarity    float64 `json:"nameSimilarity"`
	CompanySimilarity float64 `json:"companySimilarity"`
	TitleSimilarity   float64 `json:"titleSimilarity"`
	PhoneticName      float64 `json:"phoneticName"`
	EmailDomain       float64 `json:"emailDomain"`
	NameTokenOverlap  float64 `json:"nameTokenOverlap"`
}

// ContactPair is two records with their features and weighted score.
type ContactPair struct {
	A               ContactRecord      `json:"a"`
	B               ContactRecord      `json:"b"`
	Features        SimilarityFeatures `json:"features"`
	SimilarityScore float64            `json:"similarityScore"`
}

// DuplicateGroup is a set of records judged to be the same contact. The first
// record is the group's seed.
type DuplicateGroup struct {
	Records []ContactRecord `json:"records"`
}

// Seed returns the anchoring record.
func (g DuplicateGroup) Seed() ContactRecord {
	return g.Records[0]
}

// IDs returns the member ids in group order.
func (g DuplicateGroup) IDs() []string {
	ids := make([]string, len(g.Records))
	for i, r := range g.Records {
		ids[i] = r.ID
	}
	return ids
}

// Duplicates is the number of members beyond the seed.
func (g DuplicateGroup) Duplicates() int {
	if len(g.Records) == 0 {
		return 0
	}
	return len(g.Records) - 1
}

// ConflictPair is an incoming record together with the stored record it
// collides with.
type ConflictPair struct {
	New       ContactRecord `json:"new"`
	Existing  ContactRecord `json:"existing"`
	MatchedOn []string      `json:"matchedOn"`
}

// Lookup carries the match keys used to fetch stored candidates. Values are
// expected in the form MatchKeys produces.
type Lookup struct {
	Emails []string
	Phones []string
	Names  []string
}

// Empty reports whether the lookup has nothing to search for.
func (l Lookup) Empty() bool {
	return len(l.Emails) == 0 && len(l.Phones) == 0 && len(l.Names) == 0
}

// InsertFailure names a record the store could not write.
type InsertFailure struct {
	RecordID string `json:"recordId"`
	Err      error  `json:"-"`
	Message  string `json:"message"`
}

// InsertResult reports a partial-success bulk write.
type InsertResult struct {
	InsertedCount int             `json:"insertedCount"`
	Errors        []InsertFailure `json:"errors,omitempty"`
}

// MatchKeys are the canonical identifying values two records are compared on
// when deciding whether an import collides with stored data.
type MatchKeys struct {
	Email string
	Phone string
	Name  string
}

// Keys returns the record's match keys: lowercased email, phone digits and
// the lowercased full name with single spaces.
func (c ContactRecord) Keys() MatchKeys {
	return MatchKeys{
		Email: strings.ToLower(strings.TrimSpace(c.Email)),
		Phone: PhoneDigits(c.Phone),
		Name:  strings.Join(strings.Fields(strings.ToLower(c.FullName())), " "),
	}
}

// PhoneDigits keeps only the ASCII digits of s.
func PhoneDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LookupFor collects the distinct match keys of records.
func LookupFor(records []ContactRecord) Lookup {
	var l Lookup
	seen := make(map[string]struct{})
	add := func(dst *[]string, kind, v string) {
		if v == "" {
			return
		}
		if _, ok := seen[kind+"\x00"+v]; ok {
			return
		}
		seen[kind+"\x00"+v] = struct{}{}
		*dst = append(*dst, v)
	}
	for _, r := range records {
		k := r.Keys()
		add(&l.Emails, FieldEmail, k.Email)
		add(&l.Phones, FieldPhone, k.Phone)
		add(&l.Names, FieldName, k.Name)
	}
	return l
}
