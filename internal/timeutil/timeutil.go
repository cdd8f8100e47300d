package timeutil

import (
	"errors"
	"time"
)

// DayFormat is the calendar-date wire format used by the upstream usage API.
const DayFormat = "2006-01-02"

var ErrInvalidDate = errors.New("invalid calendar date")

// EnsureLocation returns UTC when loc is nil.
func EnsureLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

// ParseDay parses a calendar-date string into a normalized day value
// (midnight UTC). Dates are treated as pure calendar values; no timezone
// conversion happens on parse, matching the upstream API's local-day
// semantics.
func ParseDay(value string) (time.Time, error) {
	t, err := time.ParseInLocation(DayFormat, value, time.UTC)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return t, nil
}

// FormatDay renders a normalized day value back to its calendar-date string.
func FormatDay(day time.Time) string {
	return day.Format(DayFormat)
}

// Today returns the current calendar day in the reporting location,
// normalized to a pure day value.
func Today(now time.Time, loc *time.Location) time.Time {
	loc = EnsureLocation(loc)
	now = now.In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// AddDays shifts a day value by n calendar days.
func AddDays(day time.Time, n int) time.Time {
	return day.AddDate(0, 0, n)
}

// DaysBetween returns the inclusive number of calendar days in [start, end].
// Returns 0 when end precedes start.
func DaysBetween(start, end time.Time) int {
	if end.Before(start) {
		return 0
	}
	return int(end.Sub(start).Hours()/24) + 1
}

// IterateDays returns every day in [start, end] in ascending order.
func IterateDays(start, end time.Time) []time.Time {
	if end.Before(start) {
		return nil
	}
	days := make([]time.Time, 0, DaysBetween(start, end))
	for d := start; !d.After(end); d = AddDays(d, 1) {
		days = append(days, d)
	}
	return days
}

// PreviousPeriod returns the immediately preceding period of identical
// length in days: [start-n, start-1] for an n-day [start, end].
func PreviousPeriod(start, end time.Time) (time.Time, time.Time) {
	n := DaysBetween(start, end)
	if n <= 0 {
		return start, end
	}
	return AddDays(start, -n), AddDays(start, -1)
}

// TruncateToDay normalizes the timestamp to midnight in the provided zone.
func TruncateToDay(t time.Time, loc *time.Location) time.Time {
	loc = EnsureLocation(loc)
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
