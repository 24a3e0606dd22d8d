package models

import "time"

// Indicator holds the technical indicators of a symbol on one date,
// computed from stored daily closes. Values are nil when the history is too
// short for their window.
type Indicator struct {
	Symbol       string    `json:"symbol" db:"symbol"`
	Date         time.Time `json:"date" db:"date"`
	Frequency    string    `json:"frequency" db:"frequency"`
	MA5          *float64  `json:"ma5,omitempty" db:"ma5"`
	MA10         *float64  `json:"ma10,omitempty" db:"ma10"`
	MA20         *float64  `json:"ma20,omitempty" db:"ma20"`
	MA60         *float64  `json:"ma60,omitempty" db:"ma60"`
	RSI          *float64  `json:"rsi,omitempty" db:"rsi"`
	MACDDif      *float64  `json:"macd_dif,omitempty" db:"macd_dif"`
	MACDDea      *float64  `json:"macd_dea,omitempty" db:"macd_dea"`
	MACDHist     *float64  `json:"macd_histogram,omitempty" db:"macd_histogram"`
	BollUpper    *float64  `json:"boll_upper,omitempty" db:"boll_upper"`
	BollMiddle   *float64  `json:"boll_middle,omitempty" db:"boll_middle"`
	BollLower    *float64  `json:"boll_lower,omitempty" db:"boll_lower"`
	Bars         int       `json:"bars" db:"bars"`
	CalculatedAt time.Time `json:"calculated_at" db:"calculated_at"`
}

// IndicatorColumns is the column order of the technical_indicators table
var IndicatorColumns = []string{
	"symbol", "date", "frequency", "ma5", "ma10", "ma20", "ma60", "rsi",
	"macd_dif", "macd_dea", "macd_histogram", "boll_upper", "boll_middle", "boll_lower",
	"bars", "calculated_at",
}

func (i *Indicator) TableName() string { return TableIndicators }

func (i *Indicator) Values() []any {
	return []any{
		i.Symbol, FormatDate(i.Date), i.Frequency,
		nullable(i.MA5), nullable(i.MA10), nullable(i.MA20), nullable(i.MA60), nullable(i.RSI),
		nullable(i.MACDDif), nullable(i.MACDDea), nullable(i.MACDHist),
		nullable(i.BollUpper), nullable(i.BollMiddle), nullable(i.BollLower),
		i.Bars, i.CalculatedAt.UTC().Format(TimestampLayout),
	}
}
