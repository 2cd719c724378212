package parser

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/okian/rolodex/internal/domain/model"
)

var (
	errNoColon     = errors.New("property without value separator")
	errUnbalanced  = errors.New("unbalanced BEGIN/END:VCARD")
	errOutsideCard = errors.New("content outside BEGIN:VCARD")
)

type vline struct {
	num  int
	text string
}

// unfold joins continuation lines (leading space or tab) onto their parent.
func unfold(raw []byte) ([]vline, error) {
	var out []vline
	sc := bufio.NewScanner(bytes.NewReader(bytes.TrimPrefix(raw, utf8BOM)))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		text := strings.TrimRight(sc.Text(), "\r")
		if (strings.HasPrefix(text, " ") || strings.HasPrefix(text, "\t")) && len(out) > 0 {
			out[len(out)-1].text += text[1:]
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, vline{num: n, text: text})
	}
	return out, sc.Err()
}

func (p *Parser) parseVCard(ctx context.Context, raw []byte) ([]model.ContactRecord, error) {
	lines, err := unfold(raw)
	if err != nil {
		return nil, &ParseError{Format: FormatVCard, Err: err}
	}

	var out []model.ContactRecord
	var cur *builder
	fail := func(line int, err error) error {
		return &ParseError{Format: FormatVCard, Line: line, Err: err}
	}

	for i, l := range lines {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		upper := strings.ToUpper(strings.TrimSpace(l.text))
		switch {
		case upper == "BEGIN:VCARD":
			if cur != nil && !p.lenient {
				return nil, fail(l.num, errUnbalanced)
			}
			if cur != nil && !cur.empty() {
				out = append(out, cur.rec)
			}
			cur = p.newBuilder()
			continue
		case upper == "END:VCARD":
			if cur == nil {
				if p.lenient {
					continue
				}
				return nil, fail(l.num, errUnbalanced)
			}
			if !cur.empty() {
				out = append(out, cur.rec)
			}
			cur = nil
			continue
		}

		if cur == nil {
			if p.lenient {
				continue
			}
			return nil, fail(l.num, errOutsideCard)
		}
		name, params, value, ok := splitProperty(l.text)
		if !ok {
			if p.lenient {
				continue
			}
			return nil, fail(l.num, errNoColon)
		}
		applyProperty(cur, name, params, value)
	}

	if cur != nil {
		if !p.lenient {
			return nil, fail(lines[len(lines)-1].num, errUnbalanced)
		}
		if !cur.empty() {
			out = append(out, cur.rec)
		}
	}
	return out, nil
}

// splitProperty splits "group.NAME;PARAM=x:value".
func splitProperty(line string) (name, params, value string, ok bool) {
	head, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", "", false
	}
	name, params, _ = strings.Cut(head, ";")
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return strings.ToUpper(strings.TrimSpace(name)), params, value, true
}

var vcardEscapes = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func applyProperty(b *builder, name, params, value string) {
	switch name {
	case "VERSION", "PRODID", "REV":
		return
	case "FN":
		b.set(model.FieldName, vcardEscapes.Replace(value))
	case "N":
		parts := strings.Split(value, ";")
		b.set(model.FieldLastName, vcardEscapes.Replace(parts[0]))
		if len(parts) > 1 {
			b.set(model.FieldFirstName, vcardEscapes.Replace(parts[1]))
		}
	case "EMAIL":
		b.set(model.FieldEmail, vcardEscapes.Replace(value))
	case "TEL":
		if strings.Contains(strings.ToUpper(params), "WORK") && b.rec.Phone != "" {
			b.set(model.FieldSecondaryPhone, vcardEscapes.Replace(value))
			return
		}
		b.set(model.FieldPhone, vcardEscapes.Replace(value))
	case "ORG":
		org, _, _ := strings.Cut(value, ";")
		b.set(model.FieldCompany, vcardEscapes.Replace(org))
	case "TITLE":
		b.set(model.FieldTitle, vcardEscapes.Replace(value))
	case "NOTE":
		b.set(model.FieldNotes, vcardEscapes.Replace(value))
	case "CATEGORIES":
		b.set(model.FieldTags, vcardEscapes.Replace(value))
	case "UID":
		b.set("uid", value)
	default:
		b.set(strings.ToLower(name), vcardEscapes.Replace(value))
	}
}
