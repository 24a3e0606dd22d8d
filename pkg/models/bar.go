package models

import "time"

// Bar frequencies
const (
	FrequencyDaily   = "1d"
	FrequencyWeekly  = "1w"
	FrequencyMonthly = "1M"
)

// ValidFrequency reports whether f is a supported bar frequency
func ValidFrequency(f string) bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// Bar represents one OHLCV observation. Weekly and monthly bars are dated
// on the last trading day of their period.
type Bar struct {
	Symbol       string    `json:"symbol" db:"symbol"`
	Date         time.Time `json:"date" db:"date"`
	Frequency    string    `json:"frequency" db:"frequency"`
	Open         float64   `json:"open" db:"open"`
	High         float64   `json:"high" db:"high"`
	Low          float64   `json:"low" db:"low"`
	Close        float64   `json:"close" db:"close"`
	Volume       float64   `json:"volume" db:"volume"`
	Amount       float64   `json:"amount" db:"amount"`
	Source       string    `json:"source" db:"source"`
	QualityScore int       `json:"quality_score" db:"quality_score"`
}

// BarColumns is the column order of the bars table
var BarColumns = []string{"symbol", "date", "frequency", "open", "high", "low", "close", "volume", "amount", "source", "quality_score"}

func (b *Bar) TableName() string { return TableBars }

func (b *Bar) Values() []any {
	return []any{b.Symbol, FormatDate(b.Date), b.Frequency, b.Open, b.High, b.Low, b.Close, b.Volume, b.Amount, b.Source, b.QualityScore}
}

func (b *Bar) GetSymbol() string        { return b.Symbol }
func (b *Bar) EffectiveDate() time.Time { return b.Date }
func (b *Bar) DisclosedOn() time.Time   { return b.Date }
