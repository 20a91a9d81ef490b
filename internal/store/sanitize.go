package store

import (
	stdhtml "html"
	"strings"

	"golang.org/x/net/html"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/models"
)

// sanitizeRecord returns a copy of the record with every string field
// cleaned: markup stripped (script/style content dropped entirely) and
// characters significant to downstream consumers escaped. Internal
// "_"-prefixed fields are left untouched.
func sanitizeRecord(rec models.Record) models.Record {
	out := rec.Clone()
	for k, v := range out {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch value := v.(type) {
	case string:
		return cleanString(value)
	case map[string]any:
		for k, item := range value {
			if strings.HasPrefix(k, "_") {
				continue
			}
			value[k] = sanitizeValue(item)
		}
		return value
	case []any:
		for i, item := range value {
			value[i] = sanitizeValue(item)
		}
		return value
	default:
		return v
	}
}

// cleanString strips markup when present and escapes <, >, &, " and '.
func cleanString(s string) string {
	if strings.ContainsAny(s, "<>") {
		s = stripMarkup(s)
	}
	if strings.ContainsAny(s, `<>&"'`) {
		s = stdhtml.EscapeString(s)
	}
	return s
}

// stripMarkup removes all tags from s, dropping the content of script and
// style elements rather than unwrapping it.
func stripMarkup(s string) string {
	tok := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	var skip string

	for {
		switch tok.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			name, _ := tok.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skip = tag
			}
		case html.EndTagToken:
			name, _ := tok.TagName()
			if string(name) == skip {
				skip = ""
			}
		case html.TextToken:
			if skip == "" {
				b.Write(tok.Text())
			}
		}
	}
}
