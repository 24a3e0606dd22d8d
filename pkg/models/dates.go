package models

import (
	"fmt"
	"time"
)

// DateLayout is the storage and wire layout for calendar dates
const DateLayout = "2006-01-02"

// TimestampLayout is the storage layout for row timestamps
const TimestampLayout = "2006-01-02 15:04:05"

// DateOf truncates t to midnight UTC of its calendar day
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today returns the current calendar day
func Today() time.Time {
	return DateOf(time.Now())
}

// FormatDate renders a date as YYYY-MM-DD
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

// ParseDate parses YYYY-MM-DD
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}
