// Package contactgen produces synthetic contact books with a controlled share
// of near-duplicates, for load tests and demos.
package contactgen

import (
	"context"
	"fmt"
	"strings"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/okian/rolodex/internal/domain/model"
	"github.com/okian/rolodex/pkg/logger"
)

// DefaultDuplicateRatio is the share of generated rows that copy an earlier row.
const DefaultDuplicateRatio = 0.2

var tagPool = []string{"customer", "lead", "partner", "vendor", "vip", "press", "investor"}

// Option configures a Generator.
type Option func(*Generator)

// WithSeed makes output reproducible. Zero picks a random seed.
func WithSeed(seed int64) Option {
	return func(g *Generator) {
		g.seed = seed
	}
}

// WithDuplicateRatio sets the share of rows that are variations of an earlier
// row. Values are clamped to [0,1).
func WithDuplicateRatio(ratio float64) Option {
	return func(g *Generator) {
		switch {
		case ratio < 0:
			ratio = 0
		case ratio >= 1:
			ratio = 0.99
		}
		g.dupRatio = ratio
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// Generator builds contacts. It is not safe for concurrent use.
type Generator struct {
	seed     int64
	dupRatio float64
	faker    *gofakeit.Faker
	logger   logger.Logger
}

// Dataset is a generated contact book.
type Dataset struct {
	Records []model.ContactRecord
	// DuplicateOf maps the index of a near-duplicate to the index it copies.
	DuplicateOf map[int]int
}

// New creates a generator.
func New(opts ...Option) *Generator {
	g := &Generator{
		dupRatio: DefaultDuplicateRatio,
		logger:   logger.Get().Named("contactgen"),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.faker = gofakeit.New(g.seed)
	return g
}

// Generate returns n contacts. The first row is always original.
func (g *Generator) Generate(ctx context.Context, n int) (Dataset, error) {
	if n <= 0 {
		return Dataset{}, fmt.Errorf("%w: %d", ErrInvalidCount, n)
	}

	ds := Dataset{
		Records:     make([]model.ContactRecord, 0, n),
		DuplicateOf: make(map[int]int),
	}
	for i := 0; i < n; i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return Dataset{}, err
			}
		}
		if i > 0 && g.faker.Float64() < g.dupRatio {
			src := g.faker.Number(0, i-1)
			for {
				orig, ok := ds.DuplicateOf[src]
				if !ok {
					break
				}
				src = orig
			}
			ds.Records = append(ds.Records, g.variant(ds.Records[src]))
			ds.DuplicateOf[i] = src
			continue
		}
		ds.Records = append(ds.Records, g.contact())
	}

	g.logger.Debug(ctx, "contacts generated",
		logger.Int("count", n),
		logger.Int("duplicates", len(ds.DuplicateOf)),
	)
	return ds, nil
}

func (g *Generator) contact() model.ContactRecord {
	f := g.faker
	first, last := f.FirstName(), f.LastName()
	c := model.ContactRecord{
		ID:        f.UUID(),
		FirstName: first,
		LastName:  last,
		Name:      first + " " + last,
		Email:     strings.ToLower(first + "." + last + "@" + f.DomainName()),
		Phone:     formatPhone(f.Phone(), 0),
		Company:   f.Company(),
		Title:     f.JobTitle(),
	}
	if f.Number(0, 3) == 0 {
		c.SecondaryPhone = formatPhone(f.Phone(), 1)
	}
	if f.Bool() {
		c.Notes = f.Sentence(6)
	}
	if f.Bool() {
		c.Tags = []string{f.RandomString(tagPool)}
	}
	return c
}

// variant copies src with the kind of drift seen between two exports of the
// same address book.
func (g *Generator) variant(src model.ContactRecord) model.ContactRecord {
	f := g.faker
	c := src.Clone()
	c.ID = f.UUID()

	switch f.Number(0, 4) {
	case 0:
		c.Email = strings.ToUpper(c.Email)
	case 1:
		c.Name = "  " + strings.ToUpper(c.Name) + " "
	case 2:
		c.Phone = formatPhone(digits(c.Phone), f.Number(0, 2))
	case 3:
		c.Email = ""
	case 4:
		c.Company = strings.ToLower(c.Company) + " "
		c.Title = f.JobTitle()
	}
	if f.Bool() {
		c.Notes = f.Sentence(4)
	}
	return c
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

// formatPhone renders ten digits in one of three common layouts.
func formatPhone(d string, style int) string {
	if len(d) != 10 {
		return d
	}
	switch style {
	case 1:
		return d[:3] + "-" + d[3:6] + "-" + d[6:]
	case 2:
		return "+1 " + d[:3] + " " + d[3:6] + " " + d[6:]
	}
	return "(" + d[:3] + ") " + d[3:6] + "-" + d[6:]
}
