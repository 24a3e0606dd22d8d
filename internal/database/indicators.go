package database

import (
	"context"
	"fmt"
	"time"

	"github.com/market-sync/pkg/models"
)

// HasIndicator reports whether indicators of symbol are stored for date
func (c *Client) HasIndicator(ctx context.Context, symbol, frequency string, date time.Time) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM technical_indicators WHERE symbol = ? AND frequency = ? AND date = ?",
		symbol, frequency, DateArg(date)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check indicators for %s: %w", symbol, err)
	}
	return n > 0, nil
}

// Indicators returns the stored indicators of symbol within [start, end]
func (c *Client) Indicators(ctx context.Context, symbol, frequency string, start, end time.Time) ([]*models.Indicator, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT symbol, date, frequency, ma5, ma10, ma20, ma60, rsi,
			macd_dif, macd_dea, macd_histogram, boll_upper, boll_middle, boll_lower,
			bars, calculated_at
		FROM technical_indicators
		WHERE symbol = ? AND frequency = ? AND date >= ? AND date <= ?
		ORDER BY date`,
		symbol, frequency, DateArg(start), DateArg(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query indicators for %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []*models.Indicator
	for rows.Next() {
		ind := &models.Indicator{}
		var m [11]nullFloat
		if err := rows.Scan(&ind.Symbol, TimeScanner(&ind.Date), &ind.Frequency,
			&m[0], &m[1], &m[2], &m[3], &m[4], &m[5], &m[6], &m[7], &m[8], &m[9], &m[10],
			&ind.Bars, TimeScanner(&ind.CalculatedAt)); err != nil {
			return nil, fmt.Errorf("failed to scan indicator: %w", err)
		}
		ind.MA5, ind.MA10, ind.MA20, ind.MA60 = m[0].ptr(), m[1].ptr(), m[2].ptr(), m[3].ptr()
		ind.RSI = m[4].ptr()
		ind.MACDDif, ind.MACDDea, ind.MACDHist = m[5].ptr(), m[6].ptr(), m[7].ptr()
		ind.BollUpper, ind.BollMiddle, ind.BollLower = m[8].ptr(), m[9].ptr(), m[10].ptr()
		out = append(out, ind)
	}
	return out, rows.Err()
}
