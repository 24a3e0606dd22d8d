package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/market-sync/pkg/models"
)

const securityColumns = "symbol, name, market, exchange, industry, list_date, delist_date, status"

func scanSecurity(scan func(dest ...any) error) (*models.Security, error) {
	s := &models.Security{}
	var delist time.Time
	var delisted bool
	if err := scan(&s.Symbol, &s.Name, &s.Market, &s.Exchange, &s.Industry,
		TimeScanner(&s.ListDate), NullTimeScanner(&delist, &delisted), &s.Status); err != nil {
		return nil, err
	}
	if delisted {
		s.DelistDate = &delist
	}
	return s, nil
}

// ActiveSymbols returns every symbol that is not delisted, sorted
func (c *Client) ActiveSymbols(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT symbol FROM securities WHERE status <> ? ORDER BY symbol", models.SecurityDelisted)
	if err != nil {
		return nil, fmt.Errorf("failed to query active symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// Security returns one directory entry, or nil when unknown
func (c *Client) Security(ctx context.Context, symbol string) (*models.Security, error) {
	row := c.db.QueryRowContext(ctx, "SELECT "+securityColumns+" FROM securities WHERE symbol = ?", symbol)
	s, err := scanSecurity(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get security %s: %w", symbol, err)
	}
	return s, nil
}

// Securities returns the directory entries for symbols keyed by symbol
func (c *Client) Securities(ctx context.Context, symbols []string) (map[string]*models.Security, error) {
	out := make(map[string]*models.Security, len(symbols))
	for _, chunk := range ChunkStrings(symbols, inChunk) {
		query := fmt.Sprintf("SELECT %s FROM securities WHERE symbol IN (%s)", securityColumns, Placeholders(len(chunk)))
		rows, err := c.db.QueryContext(ctx, query, stringArgs(nil, chunk)...)
		if err != nil {
			return nil, fmt.Errorf("failed to query securities: %w", err)
		}
		for rows.Next() {
			s, err := scanSecurity(rows.Scan)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan security: %w", err)
			}
			out[s.Symbol] = s
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
