package storage

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// NormalizeKey converts a natural key to its canonical comparison form:
// trimmed, internal whitespace collapsed to single spaces, NFC-composed and
// case-folded.
//
// Every natural-key comparison (known-code sets, lookup maps, staged rows) goes
// through this helper so that "VISA", " visa " and "Visa" resolve identically.
func NormalizeKey(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	return folder.String(norm.NFC.String(s))
}
