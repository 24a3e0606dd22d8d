package models

import "time"

// Storage table names
const (
	TableBars       = "bars"
	TableFinancials = "financials"
	TableValuations = "valuations"
	TableSecurities = "securities"
	TableCalendar   = "trading_calendar"
	TableIndicators = "technical_indicators"
)

// Record is a storable row. Values are returned in the order of the
// table's column list (BarColumns, FinancialColumns, ...).
type Record interface {
	TableName() string
	Values() []any
}

// Dated is implemented by records keyed on a security and an effective date
type Dated interface {
	Record
	GetSymbol() string
	EffectiveDate() time.Time
	DisclosedOn() time.Time
}

func nullable(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return FormatDate(t)
}

// Float returns a pointer to v, for building nullable metrics
func Float(v float64) *float64 {
	return &v
}
