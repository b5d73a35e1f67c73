package scraper

import (
	"html"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// FieldDelimiter separates columns in the exported tables.
const FieldDelimiter = '|'

// Sanitize decodes HTML entities, normalizes to NFC, drops control, zero-width and
// bidi formatting characters, replaces the field delimiter and collapses whitespace.
func Sanitize(s string) string {
	s = norm.NFC.String(html.UnescapeString(s))

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == FieldDelimiter:
			b.WriteRune('/')
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
