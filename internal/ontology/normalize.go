package ontology

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize standardizes a metric label for lookup by:
//  1. Stripping accents (NFD decomposition, combining marks dropped)
//  2. Lowercasing
//  3. Spelling out % as "pct" and & as "and"
//  4. Replacing other punctuation with spaces
//  5. Collapsing whitespace
//
// "Ricavi   Totali", "ricavi-totali" and "Rícavi totali" all normalize to
// "ricavi totali".
func Normalize(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return ""
	}

	// transform chains keep state, so build one per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if s, _, err := transform.String(t, label); err == nil {
		label = s
	}
	label = strings.ToLower(label)

	var sb strings.Builder
	sb.Grow(len(label))
	for _, r := range label {
		switch {
		case r == '%':
			sb.WriteString(" pct ")
		case r == '&':
			sb.WriteString(" and ")
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		default:
			sb.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// idLabel renders a metric id as the label it implicitly stands for.
func idLabel(id string) string {
	return strings.ReplaceAll(id, "_", " ")
}
