// Package similarity scores how alike two contact records are and groups
// records into duplicate clusters.
package similarity

import (
	"fmt"
	"strings"

	"github.com/okian/rolodex/internal/domain/model"
)

// Weights are the relative contributions of each feature to the score.
type Weights struct {
	Email       float64 `json:"email" koanf:"email"`
	Phone       float64 `json:"phone" koanf:"phone"`
	Name        float64 `json:"name" koanf:"name"`
	Company     float64 `json:"company" koanf:"company"`
	Title       float64 `json:"title" koanf:"title"`
	Phonetic    float64 `json:"phonetic" koanf:"phonetic"`
	EmailDomain float64 `json:"emailDomain" koanf:"email_domain"`
	NameTokens  float64 `json:"nameTokens" koanf:"name_tokens"`
}

// DefaultWeights returns the standard weighting, which sums to 1.
func DefaultWeights() Weights {
	return Weights{
		Email:       0.30,
		Phone:       0.20,
		Name:        0.20,
		Company:     0.10,
		Title:       0.10,
		Phonetic:    0.05,
		EmailDomain: 0.05,
		NameTokens:  0.05,
	}
}

// Validate rejects negative weights and an all-zero set.
func (w Weights) Validate() error {
	vals := []float64{w.Email, w.Phone, w.Name, w.Company, w.Title, w.Phonetic, w.EmailDomain, w.NameTokens}
	sum := 0.0
	for _, v := range vals {
		if v < 0 {
			return fmt.Errorf("%w: negative weight %v", ErrInvalidWeights, v)
		}
		sum += v
	}
	if sum == 0 {
		return fmt.Errorf("%w: all weights are zero", ErrInvalidWeights)
	}
	return nil
}

// GroupingMode selects the clustering algorithm.
type GroupingMode string

const (
	// GroupingSeed absorbs records by similarity to the group's first member
	// only. Output depends on input order.
	GroupingSeed GroupingMode = "seed"
	// GroupingTransitive joins every pair meeting the threshold (union-find).
	GroupingTransitive GroupingMode = "transitive"
)

// ParseGroupingMode converts a configuration string.
func ParseGroupingMode(s string) (GroupingMode, error) {
	switch GroupingMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", GroupingSeed:
		return GroupingSeed, nil
	case GroupingTransitive:
		return GroupingTransitive, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownGrouping, s)
}

// Option configures an Engine.
type Option func(*Engine)

// WithWeights replaces the default weights. Invalid weights are ignored.
func WithWeights(w Weights) Option {
	return func(e *Engine) {
		if w.Validate() == nil {
			e.weights = w
		}
	}
}

// WithGrouping selects the grouping algorithm.
func WithGrouping(mode GroupingMode) Option {
	return func(e *Engine) {
		if mode == GroupingSeed || mode == GroupingTransitive {
			e.mode = mode
		}
	}
}

// Engine is stateless after construction and safe for concurrent use.
type Engine struct {
	weights Weights
	mode    GroupingMode
}

// New creates an engine with default weights and seed-anchored grouping.
func New(opts ...Option) *Engine {
	e := &Engine{weights: DefaultWeights(), mode: GroupingSeed}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mode returns the configured grouping algorithm.
func (e *Engine) Mode() GroupingMode { return e.mode }

// profile holds the comparison keys of one record.
type profile struct {
	email    string
	domain   string
	phone    string
	name     string
	phonetic string
	company  string
	title    string
}

func profileOf(r model.ContactRecord) profile {
	email := strings.ToLower(strings.TrimSpace(r.Email))
	name := fold(r.FullName())
	return profile{
		email:    email,
		domain:   emailDomain(email),
		phone:    digits(r.Phone),
		name:     name,
		phonetic: skeleton(name),
		company:  fold(r.Company),
		title:    fold(r.Title),
	}
}

// component is one weighted feature. A component whose inputs are missing on
// both sides does not apply; missing on one side applies with score 0.
type component struct {
	weight float64
	a, b   string
	dst    *float64
}

// compare returns the features and the weighted score of a and b.
func (e *Engine) compare(a, b model.ContactRecord) (model.SimilarityFeatures, float64) {
	pa, pb := profileOf(a), profileOf(b)
	var f model.SimilarityFeatures
	w := e.weights

	comps := []component{
		{weight: w.Email, a: pa.email, b: pb.email, dst: &f.EmailMatch},
		{weight: w.Phone, a: pa.phone, b: pb.phone, dst: &f.PhoneMatch},
		{weight: w.Name, a: pa.name, b: pb.name, dst: &f.NameSimilarity},
		{weight: w.Company, a: pa.company, b: pb.company, dst: &f.CompanySimilarity},
		{weight: w.Title, a: pa.title, b: pb.title, dst: &f.TitleSimilarity},
		{weight: w.Phonetic, a: pa.phonetic, b: pb.phonetic, dst: &f.PhoneticName},
		{weight: w.EmailDomain, a: pa.domain, b: pb.domain, dst: &f.EmailDomain},
		{weight: w.NameTokens, a: pa.name, b: pb.name, dst: &f.NameTokenOverlap},
	}
	if pa.email != "" && pb.email != "" {
		f.EmailMatch = exact(pa.email, pb.email)
		f.EmailDomain = exact(pa.domain, pb.domain)
	}
	if pa.phone != "" && pb.phone != "" {
		f.PhoneMatch = exact(pa.phone, pb.phone)
	}
	if pa.name != "" && pb.name != "" {
		f.NameSimilarity = levenshtein(pa.name, pb.name)
		f.NameTokenOverlap = tokenOverlap(pa.name, pb.name)
	}
	// names without letters have no skeleton to compare
	if pa.phonetic != "" && pb.phonetic != "" {
		f.PhoneticName = exact(pa.phonetic, pb.phonetic)
	}
	if pa.company != "" && pb.company != "" {
		f.CompanySimilarity = levenshtein(pa.company, pb.company)
	}
	if pa.title != "" && pb.title != "" {
		f.TitleSimilarity = levenshtein(pa.title, pb.title)
	}

	var num, den float64
	for _, c := range comps {
		if c.a == "" && c.b == "" {
			continue
		}
		den += c.weight
		num += c.weight * *c.dst
	}
	if den == 0 {
		if a.ID != "" && a.ID == b.ID {
			return f, 1
		}
		return f, 0
	}
	return f, min(max(num/den, 0), 1)
}

// Features returns the per-component scores of a and b.
func (e *Engine) Features(a, b model.ContactRecord) model.SimilarityFeatures {
	f, _ := e.compare(a, b)
	return f
}

// Similarity returns the weighted score of a and b in [0,1].
func (e *Engine) Similarity(a, b model.ContactRecord) float64 {
	_, s := e.compare(a, b)
	return s
}

// Compare returns a and b with their features and score.
func (e *Engine) Compare(a, b model.ContactRecord) model.ContactPair {
	f, s := e.compare(a, b)
	return model.ContactPair{A: a, B: b, Features: f, SimilarityScore: s}
}
