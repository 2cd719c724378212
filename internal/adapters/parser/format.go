package parser

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Format is a supported contact file format.
type Format string

const (
	FormatUnknown Format = ""
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatVCard   Format = "vcard"
	FormatXLSX    Format = "xlsx"
)

// Formats lists every supported format.
var Formats = []Format{FormatCSV, FormatJSON, FormatVCard, FormatXLSX}

var (
	utf8BOM  = []byte{0xEF, 0xBB, 0xBF}
	zipMagic = []byte("PK\x03\x04")
)

// ParseFormat converts a user supplied name. Unknown names yield FormatUnknown.
func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv", "tsv":
		return FormatCSV
	case "json", "jsonl", "ndjson":
		return FormatJSON
	case "vcard", "vcf":
		return FormatVCard
	case "xlsx", "excel":
		return FormatXLSX
	}
	return FormatUnknown
}

// DetectFormat sniffs raw content. It returns FormatUnknown when nothing
// matches.
func DetectFormat(raw []byte) Format {
	if bytes.HasPrefix(raw, zipMagic) {
		return FormatXLSX
	}
	body := bytes.TrimSpace(bytes.TrimPrefix(raw, utf8BOM))
	if len(body) == 0 {
		return FormatUnknown
	}
	switch body[0] {
	case '{', '[':
		return FormatJSON
	}
	if len(body) >= 11 && strings.EqualFold(string(body[:11]), "BEGIN:VCARD") {
		return FormatVCard
	}

	first, _, _ := bytes.Cut(body, []byte("\n"))
	if bytes.ContainsRune(first, 0) {
		return FormatUnknown
	}
	if bytes.ContainsAny(first, ",;\t") {
		return FormatCSV
	}
	return FormatUnknown
}

// FormatFromFilename guesses the format from a file extension.
func FormatFromFilename(name string) Format {
	return ParseFormat(strings.TrimPrefix(filepath.Ext(name), "."))
}
