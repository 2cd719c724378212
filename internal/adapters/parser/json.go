package parser

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/okian/rolodex/internal/domain/model"
)

// containerKeys are the object keys searched for a record array when the
// document is an object rather than an array.
var containerKeys = []string{"contacts", "records", "data", "items"}

func (p *Parser) parseJSON(ctx context.Context, raw []byte) ([]model.ContactRecord, error) {
	raw = bytes.TrimSpace(bytes.TrimPrefix(raw, utf8BOM))
	objects, err := decodeObjects(raw)
	if err != nil {
		if !p.lenient {
			return nil, jsonError(raw, err)
		}
		objects, err = decodeLines(raw)
		if err != nil {
			return nil, err
		}
	}

	out := make([]model.ContactRecord, 0, len(objects))
	for i, obj := range objects {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		b := p.newBuilder()
		for _, k := range slices.Sorted(maps.Keys(obj)) {
			setJSON(b, k, obj[k])
		}
		if !b.empty() {
			out = append(out, b.rec)
		}
	}
	return out, nil
}

func decodeObjects(raw []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON document")
	}

	switch v := doc.(type) {
	case []any:
		return objectsOf(v)
	case map[string]any:
		for _, key := range containerKeys {
			if arr, ok := v[key].([]any); ok {
				return objectsOf(arr)
			}
		}
		return []map[string]any{v}, nil
	}
	return nil, errors.New("expected an array or object of contacts")
}

func objectsOf(arr []any) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(arr))
	for i, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("element %d is not an object", i)
		}
		out = append(out, obj)
	}
	return out, nil
}

// decodeLines reads JSON Lines, skipping lines that do not decode.
func decodeLines(raw []byte) ([]map[string]any, error) {
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil && !errors.Is(err, io.EOF) {
			continue
		}
		if obj != nil {
			out = append(out, obj)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &ParseError{Format: FormatJSON, Err: err}
	}
	if len(out) == 0 {
		return nil, &ParseError{Format: FormatJSON, Err: errors.New("no decodable JSON objects")}
	}
	return out, nil
}

func setJSON(b *builder, key string, v any) {
	switch val := v.(type) {
	case nil:
	case string:
		b.set(key, val)
	case json.Number:
		b.set(key, val.String())
	case bool:
		b.set(key, fmt.Sprint(val))
	case []any:
		if fieldFor(key) == model.FieldTags {
			for _, item := range val {
				if s, ok := item.(string); ok {
					b.set(key, s)
				}
			}
			return
		}
		if fieldFor(key) == "" {
			b.extra(strings.TrimSpace(key), val)
			return
		}
		for _, item := range val {
			setJSON(b, key, item)
		}
	default:
		if fieldFor(key) == "" {
			b.extra(strings.TrimSpace(key), val)
		}
	}
}

// jsonError turns a decoder error into a ParseError with a line number.
func jsonError(raw []byte, err error) error {
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	line := 0
	switch {
	case errors.As(err, &syn):
		line = lineAt(raw, syn.Offset)
	case errors.As(err, &typ):
		line = lineAt(raw, typ.Offset)
	}
	return &ParseError{Format: FormatJSON, Line: line, Err: err}
}

func lineAt(raw []byte, offset int64) int {
	if offset > int64(len(raw)) {
		offset = int64(len(raw))
	}
	return bytes.Count(raw[:offset], []byte("\n")) + 1
}
