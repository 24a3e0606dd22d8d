package quality

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/market-sync/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	tenThousand    = decimal.NewFromInt(10_000)
	hundredMillion = decimal.NewFromInt(100_000_000)
	hundred        = decimal.NewFromInt(100)
)

var emptyMarkers = map[string]bool{
	"":     true,
	"-":    true,
	"--":   true,
	"nan":  true,
	"null": true,
	"none": true,
	"n/a":  true,
}

// ParseNumber converts a provider number string into a decimal. Thousands
// separators are dropped, 万 and 亿 scale by 1e4 and 1e8, a trailing % is
// divided by 100, and placeholder strings yield ok=false.
func ParseNumber(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	if emptyMarkers[strings.ToLower(s)] {
		return decimal.Zero, false
	}

	s = strings.ReplaceAll(s, ",", "")
	scale := decimal.NewFromInt(1)
	divide := false

	switch {
	case strings.HasSuffix(s, "亿"):
		scale = hundredMillion
		s = strings.TrimSuffix(s, "亿")
	case strings.HasSuffix(s, "万"):
		scale = tenThousand
		s = strings.TrimSuffix(s, "万")
	case strings.HasSuffix(s, "%"):
		divide = true
		s = strings.TrimSuffix(s, "%")
	}

	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, false
	}
	if divide {
		return d.Div(hundred), true
	}
	return d.Mul(scale), true
}

// ParseFloat is ParseNumber returning a nullable float
func ParseFloat(raw string) *float64 {
	d, ok := ParseNumber(raw)
	if !ok {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}

var looseDate = regexp.MustCompile(`^(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})`)

// NormalizeDate accepts "2024-01-05", "2024/1/5", "2024-1-5", "20240105"
// and an optional trailing time, and returns the calendar day.
func NormalizeDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}

	if len(s) == 8 && isDigits(s) {
		t, err := time.ParseInLocation("20060102", s, time.UTC)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}

	m := looseDate.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	y, _ := strconv.Atoi(m[1])
	mo, _ := strconv.Atoi(m[2])
	d, _ := strconv.Atoi(m[3])
	if mo < 1 || mo > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}

	t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes Feb 30 into March; reject instead
	if t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Exchange suffixes
const (
	MarketShanghai = "SS"
	MarketShenzhen = "SZ"
	MarketBeijing  = "BJ"
)

// MarketOf infers the exchange suffix of a six-digit mainland code. An
// explicit suffix wins; unknown prefixes return "".
func MarketOf(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if i := strings.LastIndex(code, "."); i >= 0 {
		switch suffix := code[i+1:]; suffix {
		case "SH":
			return MarketShanghai
		default:
			return suffix
		}
	}

	if len(code) != 6 || !isDigits(code) {
		return ""
	}
	switch {
	case strings.HasPrefix(code, "60"), strings.HasPrefix(code, "68"), strings.HasPrefix(code, "900"):
		return MarketShanghai
	case strings.HasPrefix(code, "00"), strings.HasPrefix(code, "30"), strings.HasPrefix(code, "20"):
		return MarketShenzhen
	case strings.HasPrefix(code, "4"), strings.HasPrefix(code, "8"), strings.HasPrefix(code, "92"):
		return MarketBeijing
	}
	return ""
}

// NormalizeSymbol renders a code as CODE.MARKET, e.g. "600000" -> "600000.SS".
// Codes whose market cannot be inferred are returned upper-cased as given.
func NormalizeSymbol(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	base := code
	if i := strings.LastIndex(code, "."); i >= 0 {
		base = code[:i]
	}
	market := MarketOf(code)
	if market == "" {
		return code
	}
	return base + "." + market
}

// ValidReportDate reports whether s is a YYYY-MM-DD period end between
// minReportYear and today
func ValidReportDate(s string, today time.Time) bool {
	d, err := models.ParseDate(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return d.Year() >= minReportYear && !d.After(models.DateOf(today))
}
