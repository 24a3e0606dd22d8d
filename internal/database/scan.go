package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/market-sync/pkg/models"
)

// DateArg renders a date query argument. Dates are always bound as
// YYYY-MM-DD text so both dialects compare them the same way.
func DateArg(t time.Time) string {
	return models.FormatDate(t)
}

// TimestampArg renders a timestamp query argument in UTC
func TimestampArg(t time.Time) string {
	return t.UTC().Format(models.TimestampLayout)
}

var timeLayouts = []string{
	models.TimestampLayout,
	models.DateLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
}

type timeScanner struct {
	dest  *time.Time
	valid *bool
}

// TimeScanner scans DATE/DATETIME columns whether the driver hands back
// time.Time (MySQL with parseTime) or text (SQLite). NULL leaves the zero time.
func TimeScanner(dest *time.Time) sql.Scanner {
	return &timeScanner{dest: dest}
}

// NullTimeScanner is TimeScanner that also reports whether the column was NULL
func NullTimeScanner(dest *time.Time, valid *bool) sql.Scanner {
	return &timeScanner{dest: dest, valid: valid}
}

func (s *timeScanner) Scan(src any) error {
	if s.valid != nil {
		*s.valid = src != nil
	}
	switch v := src.(type) {
	case nil:
		*s.dest = time.Time{}
		return nil
	case time.Time:
		*s.dest = v.UTC()
		return nil
	case []byte:
		return s.parse(string(v))
	case string:
		return s.parse(v)
	case int64:
		*s.dest = time.Unix(v, 0).UTC()
		return nil
	}
	return fmt.Errorf("cannot scan %T into time", src)
}

func (s *timeScanner) parse(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		*s.dest = time.Time{}
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, text, time.UTC); err == nil {
			*s.dest = t
			return nil
		}
	}
	return fmt.Errorf("cannot parse %q as time", text)
}

// floatPtr converts a nullable column into a metric pointer
func floatPtr(v *float64, valid bool) *float64 {
	if !valid {
		return nil
	}
	out := *v
	return &out
}

type nullFloat struct {
	v     float64
	valid bool
}

func (n *nullFloat) Scan(src any) error {
	if src == nil {
		n.valid = false
		return nil
	}
	n.valid = true
	switch v := src.(type) {
	case float64:
		n.v = v
	case int64:
		n.v = float64(v)
	case []byte:
		_, err := fmt.Sscan(string(v), &n.v)
		return err
	case string:
		_, err := fmt.Sscan(v, &n.v)
		return err
	default:
		return fmt.Errorf("cannot scan %T into float", src)
	}
	return nil
}

func (n *nullFloat) ptr() *float64 {
	return floatPtr(&n.v, n.valid)
}
