package model

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const dateLayout = "2006-01-02"

// Period is a reporting period. A flow period has Start and End; an instant
// (balance-sheet date) has only End. The zero Period means "unspecified".
type Period struct {
	Start time.Time
	End   time.Time
}

var (
	yearRe    = regexp.MustCompile(`(?i)^(?:fy\s*)?(\d{4})$`)
	quarterRe = regexp.MustCompile(`(?i)^(?:(\d{4})\s*-?\s*q([1-4])|q([1-4])\s*-?\s*(\d{4}))$`)
	monthRe   = regexp.MustCompile(`^(\d{4})-(\d{2})$`)
)

// ParsePeriod accepts "2024", "FY2024", "2024-Q3", "Q3 2024", "2024-06",
// "2024-06-30" (instant) and "2024-01-01/2024-12-31" (explicit range).
func ParsePeriod(s string) (Period, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Period{}, nil
	}

	if m := yearRe.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		start := time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
		return Period{Start: start, End: start.AddDate(1, 0, -1)}, nil
	}

	if m := quarterRe.FindStringSubmatch(s); m != nil {
		ys, qs := m[1], m[2]
		if ys == "" {
			ys, qs = m[4], m[3]
		}
		y, _ := strconv.Atoi(ys)
		q, _ := strconv.Atoi(qs)
		start := time.Date(y, time.Month(3*(q-1)+1), 1, 0, 0, 0, 0, time.UTC)
		return Period{Start: start, End: start.AddDate(0, 3, -1)}, nil
	}

	if m := monthRe.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		if mo < 1 || mo > 12 {
			return Period{}, eris.Errorf("model: invalid month in period %q", s)
		}
		start := time.Date(y, time.Month(mo), 1, 0, 0, 0, 0, time.UTC)
		return Period{Start: start, End: start.AddDate(0, 1, -1)}, nil
	}

	for _, sep := range []string{"/", ".."} {
		if a, b, ok := strings.Cut(s, sep); ok {
			start, err := time.Parse(dateLayout, strings.TrimSpace(a))
			if err != nil {
				return Period{}, eris.Wrapf(err, "model: invalid period start %q", s)
			}
			end, err := time.Parse(dateLayout, strings.TrimSpace(b))
			if err != nil {
				return Period{}, eris.Wrapf(err, "model: invalid period end %q", s)
			}
			if end.Before(start) {
				return Period{}, eris.Errorf("model: period %q ends before it starts", s)
			}
			return Period{Start: start, End: end}, nil
		}
	}

	end, err := time.Parse(dateLayout, s)
	if err != nil {
		return Period{}, eris.Errorf("model: unrecognised period %q", s)
	}
	return Period{End: end}, nil
}

// MustParsePeriod is ParsePeriod for literals known to be valid.
func MustParsePeriod(s string) Period {
	p, err := ParsePeriod(s)
	if err != nil {
		panic(err)
	}
	return p
}

// IsZero reports whether the period is unspecified.
func (p Period) IsZero() bool {
	return p.Start.IsZero() && p.End.IsZero()
}

// Instant reports whether the period is a single date.
func (p Period) Instant() bool {
	return p.Start.IsZero() && !p.End.IsZero()
}

// Days returns the inclusive length of a flow period, 0 for instants.
func (p Period) Days() int {
	if p.Start.IsZero() || p.End.IsZero() {
		return 0
	}
	return int(p.End.Sub(p.Start).Hours()/24) + 1
}

// SameLength reports whether two flow periods cover comparable spans
// (a quarter and a quarter, a year and a year).
func (p Period) SameLength(o Period) bool {
	a, b := p.Days(), o.Days()
	if a == 0 || b == 0 {
		return p.Instant() && o.Instant()
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	tol := a / 20
	if tol < 3 {
		tol = 3
	}
	return diff <= tol
}

// Follows reports whether p starts the day after prev ends (sequential
// periods), or ends one year after prev ends (year-over-year comparison).
// Both checks allow a few days of slack for 52/53-week fiscal calendars.
func (p Period) Follows(prev Period) bool {
	if p.IsZero() || prev.IsZero() || !prev.End.Before(p.End) {
		return false
	}
	if !p.Start.IsZero() && withinDays(prev.End.AddDate(0, 0, 1), p.Start, 3) {
		return true
	}
	return withinDays(prev.End.AddDate(1, 0, 0), p.End, 3)
}

func withinDays(a, b time.Time, n int) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= time.Duration(n)*24*time.Hour
}

// String renders the canonical form accepted by ParsePeriod.
func (p Period) String() string {
	switch {
	case p.IsZero():
		return ""
	case p.Instant():
		return p.End.Format(dateLayout)
	default:
		return p.Start.Format(dateLayout) + "/" + p.End.Format(dateLayout)
	}
}

// MarshalJSON encodes the period as its canonical string.
func (p Period) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts any form understood by ParsePeriod.
func (p *Period) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePeriod(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
