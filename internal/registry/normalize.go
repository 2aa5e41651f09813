package registry

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName maps a polygon display name to its lookup key.
//
//   - surrounding whitespace and a leading "*" marker are dropped
//   - compatibility forms are unified (NFKC) and combining accents removed,
//     so "Café" and "Cafe" match
//   - runs of whitespace collapse to a single space
//   - the result is case folded
func NormalizeName(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimSpace(strings.TrimPrefix(value, "*"))

	stripped, _, err := transform.String(stripMarks(), value)
	if err == nil {
		value = stripped
	}
	value = norm.NFKC.String(value)
	value = strings.Join(strings.Fields(value), " ")
	return cases.Fold().String(value)
}

// stripMarks decomposes and drops nonspacing marks. A transformer keeps
// state, so a fresh chain is built per call.
func stripMarks() transform.Transformer {
	return transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}
