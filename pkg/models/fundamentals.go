package models

import "time"

// Report types
const (
	ReportAnnual = "annual"
	ReportQ1     = "Q1"
	ReportH1     = "H1"
	ReportQ3     = "Q3"
)

// Financial is one periodic statement. ReportDate is the period end;
// DisclosureDate is when it became public and gates point-in-time reads.
type Financial struct {
	Symbol             string    `json:"symbol" db:"symbol"`
	ReportDate         time.Time `json:"report_date" db:"report_date"`
	ReportType         string    `json:"report_type" db:"report_type"`
	DisclosureDate     time.Time `json:"disclosure_date" db:"disclosure_date"`
	Revenue            *float64  `json:"revenue,omitempty" db:"revenue"`
	OperatingProfit    *float64  `json:"operating_profit,omitempty" db:"operating_profit"`
	NetProfit          *float64  `json:"net_profit,omitempty" db:"net_profit"`
	TotalAssets        *float64  `json:"total_assets,omitempty" db:"total_assets"`
	TotalLiabilities   *float64  `json:"total_liabilities,omitempty" db:"total_liabilities"`
	ShareholdersEquity *float64  `json:"shareholders_equity,omitempty" db:"shareholders_equity"`
	OperatingCashFlow  *float64  `json:"operating_cash_flow,omitempty" db:"operating_cash_flow"`
	EPS                *float64  `json:"eps,omitempty" db:"eps"`
	BPS                *float64  `json:"bps,omitempty" db:"bps"`
	ROE                *float64  `json:"roe,omitempty" db:"roe"`
	ROA                *float64  `json:"roa,omitempty" db:"roa"`
	Source             string    `json:"source" db:"source"`
	QualityScore       int       `json:"quality_score" db:"quality_score"`
}

// FinancialColumns is the column order of the financials table
var FinancialColumns = []string{
	"symbol", "report_date", "report_type", "disclosure_date",
	"revenue", "operating_profit", "net_profit", "total_assets", "total_liabilities",
	"shareholders_equity", "operating_cash_flow", "eps", "bps", "roe", "roa",
	"source", "quality_score",
}

func (f *Financial) TableName() string { return TableFinancials }

func (f *Financial) Values() []any {
	return []any{
		f.Symbol, FormatDate(f.ReportDate), f.ReportType, nullableDate(f.DisclosureDate),
		nullable(f.Revenue), nullable(f.OperatingProfit), nullable(f.NetProfit),
		nullable(f.TotalAssets), nullable(f.TotalLiabilities), nullable(f.ShareholdersEquity),
		nullable(f.OperatingCashFlow), nullable(f.EPS), nullable(f.BPS), nullable(f.ROE), nullable(f.ROA),
		f.Source, f.QualityScore,
	}
}

func (f *Financial) GetSymbol() string        { return f.Symbol }
func (f *Financial) EffectiveDate() time.Time { return f.ReportDate }
func (f *Financial) DisclosedOn() time.Time   { return f.DisclosureDate }

// Valuation is a daily valuation snapshot
type Valuation struct {
	Symbol         string    `json:"symbol" db:"symbol"`
	Date           time.Time `json:"date" db:"date"`
	DisclosureDate time.Time `json:"disclosure_date" db:"disclosure_date"`
	PE             *float64  `json:"pe_ratio,omitempty" db:"pe_ratio"`
	PB             *float64  `json:"pb_ratio,omitempty" db:"pb_ratio"`
	PS             *float64  `json:"ps_ratio,omitempty" db:"ps_ratio"`
	PCF            *float64  `json:"pcf_ratio,omitempty" db:"pcf_ratio"`
	MarketCap      *float64  `json:"market_cap,omitempty" db:"market_cap"`
	CirculatingCap *float64  `json:"circulating_cap,omitempty" db:"circulating_cap"`
	Source         string    `json:"source" db:"source"`
	QualityScore   int       `json:"quality_score" db:"quality_score"`
}

// ValuationColumns is the column order of the valuations table
var ValuationColumns = []string{
	"symbol", "date", "disclosure_date", "pe_ratio", "pb_ratio", "ps_ratio", "pcf_ratio",
	"market_cap", "circulating_cap", "source", "quality_score",
}

func (v *Valuation) TableName() string { return TableValuations }

func (v *Valuation) Values() []any {
	disclosed := v.DisclosureDate
	if disclosed.IsZero() {
		disclosed = v.Date
	}
	return []any{
		v.Symbol, FormatDate(v.Date), FormatDate(disclosed),
		nullable(v.PE), nullable(v.PB), nullable(v.PS), nullable(v.PCF),
		nullable(v.MarketCap), nullable(v.CirculatingCap), v.Source, v.QualityScore,
	}
}

func (v *Valuation) GetSymbol() string        { return v.Symbol }
func (v *Valuation) EffectiveDate() time.Time { return v.Date }

func (v *Valuation) DisclosedOn() time.Time {
	if v.DisclosureDate.IsZero() {
		return v.Date
	}
	return v.DisclosureDate
}

// EnrichedValuation is a valuation row joined with the financial record
// that was public on its date
type EnrichedValuation struct {
	Valuation
	Financial *Financial `json:"financial,omitempty"`
}
