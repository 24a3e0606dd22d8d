package quality

import (
	"fmt"
	"math"
	"time"

	"github.com/market-sync/pkg/models"
)

const minReportYear = 1990

var earliestDate = time.Date(minReportYear, 1, 1, 0, 0, 0, 0, time.UTC)

// Validator is the stateless admission filter applied to fetched records
type Validator struct {
	maxChangePct float64
	now          func() time.Time
}

// Option configures a Validator
type Option func(*Validator)

// WithMaxChangePct bounds the day-over-day close change used by CheckSeries
func WithMaxChangePct(pct float64) Option {
	return func(v *Validator) { v.maxChangePct = pct }
}

// WithClock overrides the clock used for "not in the future" checks
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New creates a validator
func New(opts ...Option) *Validator {
	v := &Validator{maxChangePct: 20, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func reject(table, symbol string, date time.Time, format string, args ...any) *models.ValidationRejection {
	return &models.ValidationRejection{Table: table, Symbol: symbol, Date: date, Reason: fmt.Sprintf(format, args...)}
}

func (v *Validator) checkDate(table, symbol string, d time.Time) *models.ValidationRejection {
	switch {
	case d.IsZero():
		return reject(table, symbol, d, "missing date")
	case d.Before(earliestDate):
		return reject(table, symbol, d, "date before %d", minReportYear)
	case d.After(models.DateOf(v.now())):
		return reject(table, symbol, d, "date in the future")
	}
	return nil
}

// ValidateBar checks OHLC consistency of a single bar
func (v *Validator) ValidateBar(b *models.Bar) error {
	if b.Symbol == "" {
		return reject(models.TableBars, "", b.Date, "missing symbol")
	}
	if r := v.checkDate(models.TableBars, b.Symbol, b.Date); r != nil {
		return r
	}
	for _, p := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return reject(models.TableBars, b.Symbol, b.Date, "non-finite value")
		}
	}
	switch {
	case b.Close <= 0 || b.Open <= 0 || b.Low <= 0:
		return reject(models.TableBars, b.Symbol, b.Date, "non-positive price")
	case b.High < b.Low:
		return reject(models.TableBars, b.Symbol, b.Date, "high %.4f below low %.4f", b.High, b.Low)
	case b.High < math.Max(b.Open, b.Close):
		return reject(models.TableBars, b.Symbol, b.Date, "high below open/close")
	case b.Low > math.Min(b.Open, b.Close):
		return reject(models.TableBars, b.Symbol, b.Date, "low above open/close")
	case b.Volume < 0:
		return reject(models.TableBars, b.Symbol, b.Date, "negative volume")
	}
	return nil
}

func nonZero(p *float64) bool {
	return p != nil && *p != 0 && !math.IsNaN(*p)
}

// HasFinancialContent reports whether any headline metric is present and non-zero
func HasFinancialContent(f *models.Financial) bool {
	if f == nil {
		return false
	}
	return nonZero(f.Revenue) || nonZero(f.NetProfit) || nonZero(f.TotalAssets) || nonZero(f.EPS)
}

// HasValuationContent reports whether any valuation ratio is present and non-zero
func HasValuationContent(val *models.Valuation) bool {
	if val == nil {
		return false
	}
	return nonZero(val.PE) || nonZero(val.PB) || nonZero(val.PS) || nonZero(val.PCF)
}

// ValidateFinancial checks report date, disclosure ordering and content
func (v *Validator) ValidateFinancial(f *models.Financial) error {
	if f.Symbol == "" {
		return reject(models.TableFinancials, "", f.ReportDate, "missing symbol")
	}
	if !ValidReportDate(models.FormatDate(f.ReportDate), v.now()) {
		return reject(models.TableFinancials, f.Symbol, f.ReportDate, "invalid report date")
	}
	if f.ReportType == "" {
		return reject(models.TableFinancials, f.Symbol, f.ReportDate, "missing report type")
	}
	if f.DisclosureDate.IsZero() {
		return reject(models.TableFinancials, f.Symbol, f.ReportDate, "missing disclosure date")
	}
	if f.DisclosureDate.Before(f.ReportDate) {
		return reject(models.TableFinancials, f.Symbol, f.ReportDate,
			"disclosed %s before period end", models.FormatDate(f.DisclosureDate))
	}
	if f.DisclosureDate.After(models.DateOf(v.now())) {
		return reject(models.TableFinancials, f.Symbol, f.ReportDate, "disclosure date in the future")
	}
	if !HasFinancialContent(f) {
		return reject(models.TableFinancials, f.Symbol, f.ReportDate, "no financial content")
	}
	return nil
}

// ValidateValuation checks date, disclosure ordering and content
func (v *Validator) ValidateValuation(val *models.Valuation) error {
	if val.Symbol == "" {
		return reject(models.TableValuations, "", val.Date, "missing symbol")
	}
	if r := v.checkDate(models.TableValuations, val.Symbol, val.Date); r != nil {
		return r
	}
	if !val.DisclosureDate.IsZero() && val.DisclosureDate.Before(val.Date) {
		return reject(models.TableValuations, val.Symbol, val.Date, "disclosed before effective date")
	}
	if !HasValuationContent(val) {
		return reject(models.TableValuations, val.Symbol, val.Date, "no valuation ratios")
	}
	return nil
}

// ValidateSecurity checks a directory entry
func (v *Validator) ValidateSecurity(s *models.Security) error {
	if s.Symbol == "" {
		return reject(models.TableSecurities, "", s.ListDate, "missing symbol")
	}
	if s.DelistDate != nil && !s.ListDate.IsZero() && s.DelistDate.Before(s.ListDate) {
		return reject(models.TableSecurities, s.Symbol, s.ListDate, "delisted before listing")
	}
	return nil
}

// ValidateIndicator checks the date and that every computed value is finite
func (v *Validator) ValidateIndicator(ind *models.Indicator) error {
	if ind.Symbol == "" {
		return reject(models.TableIndicators, "", ind.Date, "missing symbol")
	}
	if r := v.checkDate(models.TableIndicators, ind.Symbol, ind.Date); r != nil {
		return r
	}
	for _, p := range []*float64{ind.MA5, ind.MA10, ind.MA20, ind.MA60, ind.RSI,
		ind.MACDDif, ind.MACDDea, ind.MACDHist, ind.BollUpper, ind.BollMiddle, ind.BollLower} {
		if p != nil && (math.IsNaN(*p) || math.IsInf(*p, 0)) {
			return reject(models.TableIndicators, ind.Symbol, ind.Date, "non-finite value")
		}
	}
	return nil
}

// Validate dispatches on the record kind. Calendar rows are always admitted.
func (v *Validator) Validate(rec models.Record) error {
	switch r := rec.(type) {
	case *models.Bar:
		return v.ValidateBar(r)
	case *models.Financial:
		return v.ValidateFinancial(r)
	case *models.Valuation:
		return v.ValidateValuation(r)
	case *models.Security:
		return v.ValidateSecurity(r)
	case *models.Indicator:
		return v.ValidateIndicator(r)
	}
	return nil
}

// Admit splits records into admitted ones and rejections
func (v *Validator) Admit(records []models.Record) ([]models.Record, []*models.ValidationRejection) {
	kept := make([]models.Record, 0, len(records))
	var rejected []*models.ValidationRejection
	for _, rec := range records {
		if err := v.Validate(rec); err != nil {
			if r, ok := err.(*models.ValidationRejection); ok {
				rejected = append(rejected, r)
			} else {
				rejected = append(rejected, &models.ValidationRejection{Table: rec.TableName(), Reason: err.Error()})
			}
			continue
		}
		kept = append(kept, rec)
	}
	return kept, rejected
}

// SeriesReport summarizes a CheckSeries pass
type SeriesReport struct {
	Total   int
	Valid   int
	Invalid int
	Issues  []*models.ValidationRejection
}

// CheckSeries validates stored bars in date order, including the close
// change between consecutive bars
func (v *Validator) CheckSeries(bars []*models.Bar) SeriesReport {
	var rep SeriesReport
	var prev *models.Bar
	for _, b := range bars {
		rep.Total++
		err := v.ValidateBar(b)
		if err == nil && prev != nil && prev.Close > 0 && v.maxChangePct > 0 {
			change := math.Abs(b.Close-prev.Close) / prev.Close * 100
			if change > v.maxChangePct {
				err = reject(models.TableBars, b.Symbol, b.Date, "close changed %.2f%% from previous bar", change)
			}
		}
		if err != nil {
			rep.Invalid++
			if r, ok := err.(*models.ValidationRejection); ok {
				rep.Issues = append(rep.Issues, r)
			}
		} else {
			rep.Valid++
		}
		prev = b
	}
	return rep
}
