package pipeline

import (
	"errors"
	"math"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// ErrInvalidValue is returned by ParseValue for text that is not a number.
var ErrInvalidValue = errors.New("invalid value")

var scaleSuffixes = []struct {
	suffix string
	factor int64
}{
	{"billion", 1_000_000_000},
	{"million", 1_000_000},
	{"thousand", 1_000},
	{"bn", 1_000_000_000},
	{"mm", 1_000_000},
	{"mn", 1_000_000},
	{"b", 1_000_000_000},
	{"m", 1_000_000},
	{"k", 1_000},
}

var currencyCodes = []string{"usd", "eur", "gbp", "chf", "jpy", "cad", "aud"}

// ParseValue converts a reported value to a number. It accepts thousands
// separators ("1,234,567", "1.234.567", "1 234"), a decimal comma ("1234,5"),
// accounting negatives ("(500)"), percent signs ("12%" is 12), currency
// symbols or codes, and k/m/bn scale suffixes ("1.2m").
func ParseValue(raw string) (float64, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0, eris.Wrap(ErrInvalidValue, "pipeline: empty value")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.ReplaceAll(s, "\u2212", "-")

	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	s = stripCurrency(s)

	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = strings.TrimSpace(s[1:])
	} else if strings.HasSuffix(s, "-") {
		negative = !negative
		s = strings.TrimSpace(s[:len(s)-1])
	}
	s = stripCurrency(s)

	scale := int64(1)
	for _, sc := range scaleSuffixes {
		if rest, ok := strings.CutSuffix(s, sc.suffix); ok && rest != "" && endsWithDigit(strings.TrimSpace(rest)) {
			s, scale = strings.TrimSpace(rest), sc.factor
			break
		}
	}

	num, err := normalizeSeparators(s)
	if err != nil {
		return 0, eris.Wrapf(err, "pipeline: parse value %q", raw)
	}
	d, err := decimal.NewFromString(num)
	if err != nil {
		return 0, eris.Wrapf(ErrInvalidValue, "pipeline: parse value %q", raw)
	}
	d = d.Mul(decimal.NewFromInt(scale))
	if negative {
		d = d.Neg()
	}
	f, _ := d.Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, eris.Wrapf(ErrInvalidValue, "pipeline: value %q out of range", raw)
	}
	return f, nil
}

func stripCurrency(s string) string {
	s = strings.TrimSpace(strings.TrimFunc(s, func(r rune) bool {
		return unicode.Is(unicode.Sc, r)
	}))
	for _, code := range currencyCodes {
		if rest, ok := strings.CutPrefix(s, code); ok {
			return strings.TrimSpace(rest)
		}
		if rest, ok := strings.CutSuffix(s, code); ok {
			return strings.TrimSpace(rest)
		}
	}
	return s
}

func endsWithDigit(s string) bool {
	return s != "" && s[len(s)-1] >= '0' && s[len(s)-1] <= '9'
}

// normalizeSeparators rewrites s into the plain "1234.5" form. When both
// separators appear the last one is the decimal mark. A lone separator is a
// thousands separator only when it repeats or is followed by exactly three
// digits.
func normalizeSeparators(s string) (string, error) {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',':
			sb.WriteRune(r)
		case r == ' ', r == '\'', r == '_', r == '\u00a0', r == '\u202f':
		default:
			return "", ErrInvalidValue
		}
	}
	s = sb.String()
	if s == "" || strings.Trim(s, ".,") == "" {
		return "", ErrInvalidValue
	}

	lastDot, lastComma := strings.LastIndex(s, "."), strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			return strings.ReplaceAll(s, ",", ""), nil
		}
		return strings.Replace(strings.ReplaceAll(s, ".", ""), ",", ".", 1), nil
	case lastComma >= 0:
		if isThousands(s, ',') {
			return strings.ReplaceAll(s, ",", ""), nil
		}
		return strings.Replace(s, ",", ".", 1), nil
	case lastDot >= 0:
		if isThousands(s, '.') {
			return strings.ReplaceAll(s, ".", ""), nil
		}
		if strings.Count(s, ".") > 1 {
			return "", ErrInvalidValue
		}
		return s, nil
	default:
		return s, nil
	}
}

// isThousands reports whether sep splits s into a leading group of 1-3
// digits followed by groups of exactly three. A leading "0" group is a
// decimal fraction such as "0.125".
func isThousands(s string, sep byte) bool {
	groups := strings.Split(s, string(sep))
	if len(groups) < 2 || len(groups[0]) == 0 || len(groups[0]) > 3 || groups[0][0] == '0' {
		return false
	}
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return false
		}
	}
	return true
}
