package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CalendarYearCounts returns the number of calendar rows per year in [fromYear, toYear]
func (c *Client) CalendarYearCounts(ctx context.Context, market string, fromYear, toYear int) (map[int]int, error) {
	start := time.Date(fromYear, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(toYear, 12, 31, 0, 0, 0, 0, time.UTC)

	rows, err := c.db.QueryContext(ctx,
		"SELECT date FROM trading_calendar WHERE market = ? AND date >= ? AND date <= ?",
		market, DateArg(start), DateArg(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar years: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(TimeScanner(&d)); err != nil {
			return nil, fmt.Errorf("failed to scan calendar date: %w", err)
		}
		counts[d.Year()]++
	}
	return counts, rows.Err()
}

// TradingDays returns trading dates of market within [start, end], ascending
func (c *Client) TradingDays(ctx context.Context, market string, start, end time.Time) ([]time.Time, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT date FROM trading_calendar WHERE market = ? AND is_trading = 1 AND date >= ? AND date <= ? ORDER BY date",
		market, DateArg(start), DateArg(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query trading days: %w", err)
	}
	defer rows.Close()

	var days []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(TimeScanner(&d)); err != nil {
			return nil, fmt.Errorf("failed to scan trading day: %w", err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

// LatestTradingDay returns the last trading date at or before day
func (c *Client) LatestTradingDay(ctx context.Context, market string, day time.Time) (time.Time, bool, error) {
	var d time.Time
	err := c.db.QueryRowContext(ctx,
		"SELECT date FROM trading_calendar WHERE market = ? AND is_trading = 1 AND date <= ? ORDER BY date DESC LIMIT 1",
		market, DateArg(day),
	).Scan(TimeScanner(&d))
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest trading day: %w", err)
	}
	return d, true, nil
}
