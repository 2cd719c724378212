package contactgen

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/okian/rolodex/internal/adapters/parser"
	"github.com/okian/rolodex/internal/domain/model"
)

const sheetName = "Contacts"

var columns = []string{
	model.FieldFirstName,
	model.FieldLastName,
	model.FieldName,
	model.FieldEmail,
	model.FieldPhone,
	model.FieldSecondaryPhone,
	model.FieldCompany,
	model.FieldTitle,
	model.FieldNotes,
	model.FieldTags,
}

// Write encodes records in one of the formats the importer reads.
func Write(w io.Writer, format parser.Format, records []model.ContactRecord) error {
	switch format {
	case parser.FormatCSV:
		return writeCSV(w, records)
	case parser.FormatJSON:
		return writeJSON(w, records)
	case parser.FormatVCard:
		return writeVCard(w, records)
	case parser.FormatXLSX:
		return writeXLSX(w, records)
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

func row(c model.ContactRecord) []string {
	out := make([]string, len(columns))
	for i, col := range columns {
		if col == model.FieldTags {
			out[i] = strings.Join(c.Tags, ";")
			continue
		}
		out[i], _ = c.Get(col)
	}
	return out
}

func writeCSV(w io.Writer, records []model.ContactRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, c := range records {
		if err := cw.Write(row(c)); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

type jsonContact struct {
	FirstName      string   `json:"firstName,omitempty"`
	LastName       string   `json:"lastName,omitempty"`
	Name           string   `json:"name,omitempty"`
	Email          string   `json:"email,omitempty"`
	Phone          string   `json:"phone,omitempty"`
	SecondaryPhone string   `json:"secondaryPhone,omitempty"`
	Company        string   `json:"company,omitempty"`
	Title          string   `json:"title,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

func writeJSON(w io.Writer, records []model.ContactRecord) error {
	out := make([]jsonContact, len(records))
	for i, c := range records {
		out[i] = jsonContact{
			FirstName:      c.FirstName,
			LastName:       c.LastName,
			Name:           c.Name,
			Email:          c.Email,
			Phone:          c.Phone,
			SecondaryPhone: c.SecondaryPhone,
			Company:        c.Company,
			Title:          c.Title,
			Notes:          c.Notes,
			Tags:           c.Tags,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

var vcardEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, ",", `\,`, ";", `\;`)

func writeVCard(w io.Writer, records []model.ContactRecord) error {
	var b strings.Builder
	for _, c := range records {
		b.WriteString("BEGIN:VCARD\r\nVERSION:3.0\r\n")
		prop := func(name, value string) {
			if value != "" {
				b.WriteString(name + ":" + vcardEscaper.Replace(value) + "\r\n")
			}
		}
		prop("FN", c.Name)
		if c.FirstName != "" || c.LastName != "" {
			b.WriteString("N:" + vcardEscaper.Replace(c.LastName) + ";" + vcardEscaper.Replace(c.FirstName) + ";;;\r\n")
		}
		prop("EMAIL;TYPE=INTERNET", c.Email)
		prop("TEL;TYPE=CELL", c.Phone)
		prop("TEL;TYPE=WORK", c.SecondaryPhone)
		prop("ORG", c.Company)
		prop("TITLE", c.Title)
		prop("NOTE", c.Notes)
		if len(c.Tags) > 0 {
			escaped := make([]string, len(c.Tags))
			for i, t := range c.Tags {
				escaped[i] = vcardEscaper.Replace(t)
			}
			b.WriteString("CATEGORIES:" + strings.Join(escaped, ",") + "\r\n")
		}
		b.WriteString("END:VCARD\r\n")
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write vcard: %w", err)
	}
	return nil
}

func writeXLSX(w io.Writer, records []model.ContactRecord) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return fmt.Errorf("write xlsx header: %w", err)
	}
	for i, c := range records {
		cells := row(c)
		values := make([]any, len(cells))
		for j, v := range cells {
			values[j] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("write xlsx row: %w", err)
		}
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return fmt.Errorf("write xlsx row: %w", err)
		}
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
