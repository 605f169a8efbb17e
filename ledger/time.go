package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// DAY - Calendar date without time-of-day (timeline key)
// =============================================================================

// DayLayout is the wire and storage format of a Day.
const DayLayout = "2006-01-02"

// Day is a calendar date. The zero value means "no day".
// Internally it is always UTC midnight so that comparison and arithmetic
// never depend on the caller's zone or on DST transitions.
type Day struct {
	t time.Time
}

// Constructors
func NewDay(year int, month time.Month, day int) Day {
	return Day{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf returns the calendar day an instant falls on in loc.
// A nil loc means UTC.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return NewDay(lt.Year(), lt.Month(), lt.Day())
}

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("invalid day %q (use YYYY-MM-DD): %w", s, err)
	}
	return NewDay(t.Year(), t.Month(), t.Day()), nil
}

// MustParseDay is ParseDay for constants and tests.
func MustParseDay(s string) Day {
	d, err := ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Comparison
func (d Day) Before(other Day) bool        { return d.t.Before(other.t) }
func (d Day) After(other Day) bool         { return d.t.After(other.t) }
func (d Day) Equal(other Day) bool         { return d.t.Equal(other.t) }
func (d Day) BeforeOrEqual(other Day) bool { return !d.After(other) }

// Compare returns -1, 0 or +1, usable with slices.SortFunc.
func (d Day) Compare(other Day) int { return d.t.Compare(other.t) }

// Arithmetic
func (d Day) AddDays(n int) Day { return Day{t: d.t.AddDate(0, 0, n)} }

// Properties
func (d Day) IsZero() bool     { return d.t.IsZero() }
func (d Day) Time() time.Time  { return d.t }
func (d Day) String() string   { return d.t.Format(DayLayout) }

// DaysBetween returns the number of calendar days from -> to (negative if to is earlier).
func DaysBetween(from, to Day) int { return int(to.t.Sub(from.t).Hours() / 24) }
