package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/market-sync/pkg/models"
)

const inChunk = 500

// ChunkStrings splits list into slices of at most n elements
func ChunkStrings(list []string, n int) [][]string {
	var out [][]string
	for start := 0; start < len(list); start += n {
		end := start + n
		if end > len(list) {
			end = len(list)
		}
		out = append(out, list[start:end])
	}
	return out
}

func stringArgs(prefix []any, list []string) []any {
	args := make([]any, 0, len(prefix)+len(list))
	args = append(args, prefix...)
	for _, s := range list {
		args = append(args, s)
	}
	return args
}

// LastBarDate returns the most recent stored bar date for symbol/frequency
func (c *Client) LastBarDate(ctx context.Context, symbol, frequency string) (time.Time, bool, error) {
	var last time.Time
	var valid bool
	err := c.db.QueryRowContext(ctx,
		"SELECT MAX(date) FROM bars WHERE symbol = ? AND frequency = ?",
		symbol, frequency,
	).Scan(NullTimeScanner(&last, &valid))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last bar date for %s: %w", symbol, err)
	}
	return last, valid, nil
}

// LastBarDates returns the most recent stored bar date per symbol; symbols
// without bars are absent from the map
func (c *Client) LastBarDates(ctx context.Context, symbols []string, frequency string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(symbols))
	for _, chunk := range ChunkStrings(symbols, inChunk) {
		query := fmt.Sprintf(
			"SELECT symbol, MAX(date) FROM bars WHERE frequency = ? AND symbol IN (%s) GROUP BY symbol",
			Placeholders(len(chunk)))
		rows, err := c.db.QueryContext(ctx, query, stringArgs([]any{frequency}, chunk)...)
		if err != nil {
			return nil, fmt.Errorf("failed to query last bar dates: %w", err)
		}
		for rows.Next() {
			var symbol string
			var last time.Time
			if err := rows.Scan(&symbol, TimeScanner(&last)); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan last bar date: %w", err)
			}
			out[symbol] = last
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// BarDates returns stored bar dates for symbol/frequency within [start, end]
func (c *Client) BarDates(ctx context.Context, symbol, frequency string, start, end time.Time) ([]time.Time, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT date FROM bars WHERE symbol = ? AND frequency = ? AND date >= ? AND date <= ? ORDER BY date",
		symbol, frequency, DateArg(start), DateArg(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query bar dates for %s: %w", symbol, err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(TimeScanner(&d)); err != nil {
			return nil, fmt.Errorf("failed to scan bar date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// Bars returns stored bars for symbol/frequency within [start, end], oldest first
func (c *Client) Bars(ctx context.Context, symbol, frequency string, start, end time.Time) ([]*models.Bar, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT symbol, date, frequency, open, high, low, close, volume, amount, source, quality_score
		FROM bars
		WHERE symbol = ? AND frequency = ? AND date >= ? AND date <= ?
		ORDER BY date`,
		symbol, frequency, DateArg(start), DateArg(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query bars for %s: %w", symbol, err)
	}
	defer rows.Close()

	var bars []*models.Bar
	for rows.Next() {
		b := &models.Bar{}
		if err := rows.Scan(&b.Symbol, TimeScanner(&b.Date), &b.Frequency,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Amount, &b.Source, &b.QualityScore); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// CloseOnOrBefore returns the latest daily close at or before date
func (c *Client) CloseOnOrBefore(ctx context.Context, symbol string, date time.Time) (float64, bool, error) {
	var closePrice float64
	err := c.db.QueryRowContext(ctx,
		"SELECT close FROM bars WHERE symbol = ? AND frequency = ? AND date <= ? ORDER BY date DESC LIMIT 1",
		symbol, models.FrequencyDaily, DateArg(date),
	).Scan(&closePrice)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query close for %s: %w", symbol, err)
	}
	return closePrice, true, nil
}

// CountRows returns the number of rows in a payload table
func (c *Client) CountRows(ctx context.Context, table string) (int, error) {
	if _, ok := tables[table]; !ok {
		return 0, fmt.Errorf("unknown table %s", table)
	}
	var n int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// CountBars returns the number of bars stored for a symbol and frequency
func (c *Client) CountBars(ctx context.Context, symbol, frequency string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM bars WHERE symbol = ? AND frequency = ?",
		symbol, frequency).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count bars for %s: %w", symbol, err)
	}
	return n, nil
}
