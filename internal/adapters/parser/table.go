package parser

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/okian/rolodex/internal/domain/model"
)

func (p *Parser) parseCSV(ctx context.Context, raw []byte) ([]model.ContactRecord, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	r := csv.NewReader(bytes.NewReader(raw))
	r.Comma = sniffDelimiter(raw)
	if p.lenient {
		r.LazyQuotes = true
		r.FieldsPerRecord = -1
	}

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, &ParseError{Format: FormatCSV, Err: ErrNoHeader}
	}
	if err != nil {
		return nil, csvError(err)
	}

	var out []model.ContactRecord
	for n := 0; ; n++ {
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, csvError(err)
		}
		if rec, ok := p.fromRow(header, row); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func csvError(err error) error {
	var perr *csv.ParseError
	if errors.As(err, &perr) {
		return &ParseError{Format: FormatCSV, Line: perr.Line, Err: perr.Err}
	}
	return &ParseError{Format: FormatCSV, Err: err}
}

// sniffDelimiter picks the most frequent of comma, semicolon and tab in the
// header line.
func sniffDelimiter(raw []byte) rune {
	first, _, _ := bytes.Cut(raw, []byte("\n"))
	best, bestCount := ',', bytes.Count(first, []byte(","))
	for _, d := range []rune{';', '\t'} {
		if c := bytes.Count(first, []byte(string(d))); c > bestCount {
			best, bestCount = d, c
		}
	}
	return best
}

func (p *Parser) parseXLSX(ctx context.Context, raw []byte) ([]model.ContactRecord, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, &ParseError{Format: FormatXLSX, Err: err}
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &ParseError{Format: FormatXLSX, Err: ErrNoHeader}
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, &ParseError{Format: FormatXLSX, Err: err}
	}
	if len(rows) == 0 {
		return nil, &ParseError{Format: FormatXLSX, Err: ErrNoHeader}
	}

	header := rows[0]
	var out []model.ContactRecord
	for i, row := range rows[1:] {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if len(row) > len(header) && !p.lenient {
			return nil, &ParseError{Format: FormatXLSX, Line: i + 2, Err: fmt.Errorf("row has %d cells, header has %d", len(row), len(header))}
		}
		if rec, ok := p.fromRow(header, row); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// fromRow builds a record from a header-aligned row. Short rows are padded;
// cells beyond the header are kept under "column_<n>".
func (p *Parser) fromRow(header, row []string) (model.ContactRecord, bool) {
	b := p.newBuilder()
	for i, v := range row {
		col := fmt.Sprintf("column_%d", i+1)
		if i < len(header) && header[i] != "" {
			col = header[i]
		}
		b.set(col, v)
	}
	if b.empty() {
		return model.ContactRecord{}, false
	}
	return b.rec, true
}
