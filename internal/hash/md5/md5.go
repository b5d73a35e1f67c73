// Package md5 computes content fingerprints used for change detection.
package md5

import (
	"crypto/md5" //nolint:gosec // change detection only
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// MovieFields selects the semantic fields of a movie. URLs and timestamps are excluded.
func MovieFields(name, category, description string) map[string]string {
	return map[string]string{
		"name":        name,
		"category":    category,
		"description": description,
	}
}

// Fingerprinter implements scraper.Fingerprinter with MD5 over a canonical JSON form.
type Fingerprinter struct{}

// New returns an MD5 fingerprinter.
func New() *Fingerprinter {
	return &Fingerprinter{}
}

// Fingerprint trims each value and hashes the fields as a key-sorted JSON object
// using ", " and ": " separators with non-ASCII text left unescaped.
func (f *Fingerprinter) Fingerprint(fields map[string]string) string {
	sum := md5.Sum([]byte(Canonical(fields))) //nolint:gosec // change detection only
	return hex.EncodeToString(sum[:])
}

// ShouldUpdate reports whether a record must be re-persisted.
func (f *Fingerprinter) ShouldUpdate(current, stored string) bool {
	return stored == "" || current != stored
}

// Canonical renders the serialized form that Fingerprint hashes.
func Canonical(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		writeQuoted(&b, k)
		b.WriteString(": ")
		writeQuoted(&b, strings.TrimSpace(fields[k]))
	}
	b.WriteByte('}')
	return b.String()
}

func writeQuoted(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
				continue
			}
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
}
