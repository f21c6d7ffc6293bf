package dosing

import (
	"fmt"
	"strings"
	"time"
)

const dayLayout = "2006-01-02"

// Day is a calendar date without time of day or zone.
type Day struct {
	year  int
	month time.Month
	dom   int
}

// NewDay returns the day for the given date, rejecting dates that do not exist.
func NewDay(year int, month time.Month, dom int) (Day, error) {
	t := time.Date(year, month, dom, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || t.Month() != month || t.Day() != dom {
		return Day{}, fmt.Errorf("%w: invalid date %04d-%02d-%02d", ErrInvalidInput, year, month, dom)
	}
	return Day{year: year, month: month, dom: dom}, nil
}

// MustDay is NewDay for literals known to be valid.
func MustDay(year int, month time.Month, dom int) Day {
	d, err := NewDay(year, month, dom)
	if err != nil {
		panic(err)
	}
	return d
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(v string) (Day, error) {
	t, err := time.Parse(dayLayout, strings.TrimSpace(v))
	if err != nil {
		return Day{}, fmt.Errorf("%w: invalid date %q", ErrInvalidInput, v)
	}
	return DayOf(t, time.UTC), nil
}

// DayOf truncates t to its calendar day as observed in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return Day{year: y, month: m, dom: d}
}

// IsZero reports whether d is the zero Day.
func (d Day) IsZero() bool { return d.year == 0 && d.month == 0 && d.dom == 0 }

// Start returns midnight of d in loc.
func (d Day) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.year, d.month, d.dom, 0, 0, 0, 0, loc)
}

// Window returns the half-open interval [d 00:00, d+1 00:00) in loc.
func (d Day) Window(loc *time.Location) (start, end time.Time) {
	start = d.Start(loc)
	return start, d.AddDays(1).Start(loc)
}

// AddDays returns the day n days after d.
func (d Day) AddDays(n int) Day {
	return DayOf(time.Date(d.year, d.month, d.dom+n, 0, 0, 0, 0, time.UTC), time.UTC)
}

// Compare returns -1, 0 or +1 depending on whether d is before, equal to or after o.
func (d Day) Compare(o Day) int {
	switch {
	case d.year != o.year:
		return cmpInt(d.year, o.year)
	case d.month != o.month:
		return cmpInt(int(d.month), int(o.month))
	default:
		return cmpInt(d.dom, o.dom)
	}
}

func (d Day) Before(o Day) bool { return d.Compare(o) < 0 }
func (d Day) After(o Day) bool  { return d.Compare(o) > 0 }

// Between reports whether d falls in the inclusive range [from, to].
func (d Day) Between(from, to Day) bool {
	return !d.Before(from) && !d.After(to)
}

func (d Day) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.year, int(d.month), d.dom)
}

// MarshalText implements encoding.TextMarshaler.
func (d Day) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Day) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Day{}
		return nil
	}
	parsed, err := ParseDay(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
