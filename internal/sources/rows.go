package sources

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/market-sync/internal/quality"
	"github.com/market-sync/pkg/models"
)

// text is a provider field kept as raw text until normalization. JSON
// strings, numbers and null all decode into it.
type text string

func (t *text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*t = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = text(s)
	default:
		*t = text(data)
	}
	return nil
}

func (t text) String() string { return strings.TrimSpace(string(t)) }

func (t text) float() *float64 { return quality.ParseFloat(string(t)) }

func (t text) date() (time.Time, bool) { return quality.NormalizeDate(string(t)) }

func (t text) required(field string) (float64, error) {
	p := t.float()
	if p == nil {
		return 0, fmt.Errorf("invalid %s %q", field, string(t))
	}
	return *p, nil
}

// Wire rows shared by the CSV and HTTP providers

type barRow struct {
	Symbol    text `csv:"symbol" json:"symbol"`
	Date      text `csv:"date" json:"date"`
	Frequency text `csv:"frequency,omitempty" json:"frequency"`
	Open      text `csv:"open" json:"open"`
	High      text `csv:"high" json:"high"`
	Low       text `csv:"low" json:"low"`
	Close     text `csv:"close" json:"close"`
	Volume    text `csv:"volume" json:"volume"`
	Amount    text `csv:"amount,omitempty" json:"amount"`
}

type financialRow struct {
	Symbol             text `csv:"symbol" json:"symbol"`
	ReportDate         text `csv:"report_date" json:"report_date"`
	ReportType         text `csv:"report_type,omitempty" json:"report_type"`
	DisclosureDate     text `csv:"disclosure_date" json:"disclosure_date"`
	Revenue            text `csv:"revenue,omitempty" json:"revenue"`
	OperatingProfit    text `csv:"operating_profit,omitempty" json:"operating_profit"`
	NetProfit          text `csv:"net_profit,omitempty" json:"net_profit"`
	TotalAssets        text `csv:"total_assets,omitempty" json:"total_assets"`
	TotalLiabilities   text `csv:"total_liabilities,omitempty" json:"total_liabilities"`
	ShareholdersEquity text `csv:"shareholders_equity,omitempty" json:"shareholders_equity"`
	OperatingCashFlow  text `csv:"operating_cash_flow,omitempty" json:"operating_cash_flow"`
	EPS                text `csv:"eps,omitempty" json:"eps"`
	BPS                text `csv:"bps,omitempty" json:"bps"`
	ROE                text `csv:"roe,omitempty" json:"roe"`
	ROA                text `csv:"roa,omitempty" json:"roa"`
}

type valuationRow struct {
	Symbol         text `csv:"symbol" json:"symbol"`
	Date           text `csv:"date" json:"date"`
	PE             text `csv:"pe_ratio,omitempty" json:"pe_ratio"`
	PB             text `csv:"pb_ratio,omitempty" json:"pb_ratio"`
	PS             text `csv:"ps_ratio,omitempty" json:"ps_ratio"`
	PCF            text `csv:"pcf_ratio,omitempty" json:"pcf_ratio"`
	MarketCap      text `csv:"market_cap,omitempty" json:"market_cap"`
	CirculatingCap text `csv:"circulating_cap,omitempty" json:"circulating_cap"`
}

type securityRow struct {
	Symbol     text `csv:"symbol" json:"symbol"`
	Name       text `csv:"name" json:"name"`
	Exchange   text `csv:"exchange,omitempty" json:"exchange"`
	Industry   text `csv:"industry,omitempty" json:"industry"`
	ListDate   text `csv:"list_date" json:"list_date"`
	DelistDate text `csv:"delist_date,omitempty" json:"delist_date"`
	Status     text `csv:"status,omitempty" json:"status"`
}

type calendarRow struct {
	Date      text `csv:"date" json:"date"`
	IsTrading text `csv:"is_trading" json:"is_trading"`
}

func (r barRow) bar(source string) (*models.Bar, error) {
	d, ok := r.Date.date()
	if !ok {
		return nil, fmt.Errorf("invalid date %q", string(r.Date))
	}
	b := &models.Bar{
		Symbol:       quality.NormalizeSymbol(r.Symbol.String()),
		Date:         d,
		Frequency:    r.Frequency.String(),
		Source:       source,
		QualityScore: 100,
	}
	if b.Frequency == "" {
		b.Frequency = models.FrequencyDaily
	}
	if !models.ValidFrequency(b.Frequency) {
		return nil, fmt.Errorf("unsupported frequency %q", string(r.Frequency))
	}

	var err error
	if b.Open, err = r.Open.required("open"); err != nil {
		return nil, err
	}
	if b.High, err = r.High.required("high"); err != nil {
		return nil, err
	}
	if b.Low, err = r.Low.required("low"); err != nil {
		return nil, err
	}
	if b.Close, err = r.Close.required("close"); err != nil {
		return nil, err
	}
	if b.Volume, err = r.Volume.required("volume"); err != nil {
		return nil, err
	}
	if p := r.Amount.float(); p != nil {
		b.Amount = *p
	}
	return b, nil
}

func (r financialRow) financial(source string) (*models.Financial, error) {
	reportDate, ok := r.ReportDate.date()
	if !ok {
		return nil, fmt.Errorf("invalid report date %q", string(r.ReportDate))
	}
	disclosed, _ := r.DisclosureDate.date()
	reportType := r.ReportType.String()
	if reportType == "" {
		reportType = reportTypeOf(reportDate.Month())
	}
	return &models.Financial{
		Symbol:             quality.NormalizeSymbol(r.Symbol.String()),
		ReportDate:         reportDate,
		ReportType:         reportType,
		DisclosureDate:     disclosed,
		Revenue:            r.Revenue.float(),
		OperatingProfit:    r.OperatingProfit.float(),
		NetProfit:          r.NetProfit.float(),
		TotalAssets:        r.TotalAssets.float(),
		TotalLiabilities:   r.TotalLiabilities.float(),
		ShareholdersEquity: r.ShareholdersEquity.float(),
		OperatingCashFlow:  r.OperatingCashFlow.float(),
		EPS:                r.EPS.float(),
		BPS:                r.BPS.float(),
		ROE:                r.ROE.float(),
		ROA:                r.ROA.float(),
		Source:             source,
		QualityScore:       100,
	}, nil
}

func (r valuationRow) valuation(source string) (*models.Valuation, error) {
	d, ok := r.Date.date()
	if !ok {
		return nil, fmt.Errorf("invalid date %q", string(r.Date))
	}
	return &models.Valuation{
		Symbol:         quality.NormalizeSymbol(r.Symbol.String()),
		Date:           d,
		DisclosureDate: d,
		PE:             r.PE.float(),
		PB:             r.PB.float(),
		PS:             r.PS.float(),
		PCF:            r.PCF.float(),
		MarketCap:      r.MarketCap.float(),
		CirculatingCap: r.CirculatingCap.float(),
		Source:         source,
		QualityScore:   100,
	}, nil
}

func (r securityRow) security(market string) (*models.Security, error) {
	symbol := quality.NormalizeSymbol(r.Symbol.String())
	if symbol == "" {
		return nil, fmt.Errorf("missing symbol")
	}
	s := &models.Security{
		Symbol:   symbol,
		Name:     r.Name.String(),
		Market:   market,
		Exchange: r.Exchange.String(),
		Industry: r.Industry.String(),
		Status:   strings.ToLower(r.Status.String()),
	}
	if s.Exchange == "" {
		s.Exchange = quality.MarketOf(symbol)
	}
	if s.Status == "" {
		s.Status = models.SecurityActive
	}
	if d, ok := r.ListDate.date(); ok {
		s.ListDate = d
	}
	if d, ok := r.DelistDate.date(); ok {
		s.DelistDate = &d
		s.Status = models.SecurityDelisted
	}
	return s, nil
}

func (r calendarRow) tradingDay(market string) (*models.TradingDay, error) {
	d, ok := r.Date.date()
	if !ok {
		return nil, fmt.Errorf("invalid date %q", string(r.Date))
	}
	return &models.TradingDay{Date: d, Market: market, IsTrading: truthy(r.IsTrading.String())}, nil
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "t", "yes", "y":
		return true
	}
	return false
}

// reportTypeOf maps a period-end month to its report type
func reportTypeOf(m time.Month) string {
	switch m {
	case time.March:
		return models.ReportQ1
	case time.June:
		return models.ReportH1
	case time.September:
		return models.ReportQ3
	}
	return models.ReportAnnual
}
