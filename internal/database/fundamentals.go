package database

import (
	"context"
	"fmt"
	"time"

	"github.com/market-sync/pkg/models"
)

// HasAnnualFinancial reports whether an annual record exists for any of periods
func (c *Client) HasAnnualFinancial(ctx context.Context, symbol string, periods []time.Time) (bool, error) {
	if len(periods) == 0 {
		return false, nil
	}
	args := []any{symbol, models.ReportAnnual}
	for _, p := range periods {
		args = append(args, DateArg(p))
	}

	var n int
	query := fmt.Sprintf(
		"SELECT COUNT(*) FROM financials WHERE symbol = ? AND report_type = ? AND report_date IN (%s)",
		Placeholders(len(periods)))
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check financials for %s: %w", symbol, err)
	}
	return n > 0, nil
}

// HasValuationBetween reports whether any valuation exists within [start, end]
func (c *Client) HasValuationBetween(ctx context.Context, symbol string, start, end time.Time) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM valuations WHERE symbol = ? AND date >= ? AND date <= ?",
		symbol, DateArg(start), DateArg(end)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check valuations for %s: %w", symbol, err)
	}
	return n > 0, nil
}

// FinancialsDisclosedBy returns financial records of symbol public on or
// before asOf, ordered by disclosure date then period end
func (c *Client) FinancialsDisclosedBy(ctx context.Context, symbol string, asOf time.Time) ([]*models.Financial, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT symbol, report_date, report_type, disclosure_date,
			revenue, operating_profit, net_profit, total_assets, total_liabilities,
			shareholders_equity, operating_cash_flow, eps, bps, roe, roa, source, quality_score
		FROM financials
		WHERE symbol = ? AND disclosure_date IS NOT NULL AND disclosure_date <= ?
		ORDER BY disclosure_date, report_date`,
		symbol, DateArg(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to query financials for %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []*models.Financial
	for rows.Next() {
		f := &models.Financial{}
		var metrics [11]nullFloat
		if err := rows.Scan(&f.Symbol, TimeScanner(&f.ReportDate), &f.ReportType, TimeScanner(&f.DisclosureDate),
			&metrics[0], &metrics[1], &metrics[2], &metrics[3], &metrics[4], &metrics[5],
			&metrics[6], &metrics[7], &metrics[8], &metrics[9], &metrics[10],
			&f.Source, &f.QualityScore); err != nil {
			return nil, fmt.Errorf("failed to scan financial: %w", err)
		}
		f.Revenue = metrics[0].ptr()
		f.OperatingProfit = metrics[1].ptr()
		f.NetProfit = metrics[2].ptr()
		f.TotalAssets = metrics[3].ptr()
		f.TotalLiabilities = metrics[4].ptr()
		f.ShareholdersEquity = metrics[5].ptr()
		f.OperatingCashFlow = metrics[6].ptr()
		f.EPS = metrics[7].ptr()
		f.BPS = metrics[8].ptr()
		f.ROE = metrics[9].ptr()
		f.ROA = metrics[10].ptr()
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountFinancials returns the number of financial records stored for symbol
func (c *Client) CountFinancials(ctx context.Context, symbol string) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM financials WHERE symbol = ?", symbol).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count financials for %s: %w", symbol, err)
	}
	return n, nil
}

// Valuations returns valuation rows of symbol within [start, end], oldest first
func (c *Client) Valuations(ctx context.Context, symbol string, start, end time.Time) ([]*models.Valuation, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT symbol, date, disclosure_date, pe_ratio, pb_ratio, ps_ratio, pcf_ratio,
			market_cap, circulating_cap, source, quality_score
		FROM valuations
		WHERE symbol = ? AND date >= ? AND date <= ?
		ORDER BY date`,
		symbol, DateArg(start), DateArg(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query valuations for %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []*models.Valuation
	for rows.Next() {
		v := &models.Valuation{}
		var metrics [6]nullFloat
		if err := rows.Scan(&v.Symbol, TimeScanner(&v.Date), TimeScanner(&v.DisclosureDate),
			&metrics[0], &metrics[1], &metrics[2], &metrics[3], &metrics[4], &metrics[5],
			&v.Source, &v.QualityScore); err != nil {
			return nil, fmt.Errorf("failed to scan valuation: %w", err)
		}
		v.PE = metrics[0].ptr()
		v.PB = metrics[1].ptr()
		v.PS = metrics[2].ptr()
		v.PCF = metrics[3].ptr()
		v.MarketCap = metrics[4].ptr()
		v.CirculatingCap = metrics[5].ptr()
		out = append(out, v)
	}
	return out, rows.Err()
}
