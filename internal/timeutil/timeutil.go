package timeutil

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrMalformedDate = errors.New("malformed date key")

// DateKeyLayout is the canonical calendar-day format used for caching and locking.
const DateKeyLayout = "2006-01-02"

// EnsureLocation returns UTC when loc is nil.
func EnsureLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}

// ParseDateKey parses a YYYY-MM-DD string. Parsing is lenient about zero
// padding ("2025-1-5" and "2025-01-05" are the same day) but rejects anything
// that is not date-shaped.
func ParseDateKey(value string) (time.Time, error) {
	parts := strings.Split(strings.TrimSpace(value), "-")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedDate, value)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil || year < 1000 || year > 9999 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedDate, value)
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil || month < 1 || month > 12 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedDate, value)
	}
	day, err := strconv.Atoi(parts[2])
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedDate, value)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || t.Month() != time.Month(month) {
		// time.Date normalizes overflow (e.g. Feb 30 -> Mar 2); reject it.
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedDate, value)
	}
	return t, nil
}

// FormatDateKey renders the canonical zero-padded form of the day.
func FormatDateKey(t time.Time) string {
	return t.Format(DateKeyLayout)
}

// NormalizeDateKey round-trips a lenient date key into canonical form.
func NormalizeDateKey(value string) (string, error) {
	t, err := ParseDateKey(value)
	if err != nil {
		return "", err
	}
	return FormatDateKey(t), nil
}

// TruncateToDay normalizes the timestamp to midnight in the provided zone.
func TruncateToDay(t time.Time, loc *time.Location) time.Time {
	loc = EnsureLocation(loc)
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// Today returns the current day's date key in the provided zone.
func Today(loc *time.Location) string {
	return FormatDateKey(time.Now().In(EnsureLocation(loc)))
}

// DaysBetween counts calendar days in the inclusive [start, end] range.
func DaysBetween(start, end time.Time) int {
	start = TruncateToDay(start, time.UTC)
	end = TruncateToDay(end, time.UTC)
	return int(end.Sub(start).Hours()/24) + 1
}

// RangeDays lists the date keys covering the inclusive [start, end] range in
// chronological order.
func RangeDays(start, end time.Time) []string {
	start = TruncateToDay(start, time.UTC)
	end = TruncateToDay(end, time.UTC)
	if end.Before(start) {
		return nil
	}
	days := make([]string, 0, DaysBetween(start, end))
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		days = append(days, FormatDateKey(day))
	}
	return days
}
