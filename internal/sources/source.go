// Package sources defines the upstream data provider capability and the
// providers shipped with market-sync.
package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/market-sync/pkg/config"
	"github.com/market-sync/pkg/models"
	"github.com/sirupsen/logrus"
)

// DataSource is an upstream provider of market data. Absent data is an
// empty result, not an error. Transport failures are *models.ConnectionError.
type DataSource interface {
	Name() string
	FetchBars(ctx context.Context, symbol, frequency string, start, end time.Time) ([]*models.Bar, error)
	// FetchFundamentals returns the statements for the period ending on period
	FetchFundamentals(ctx context.Context, symbol string, period time.Time) ([]*models.Financial, error)
	// FetchValuation returns the valuation effective on date, or the latest
	// one shortly before it; nil when there is none
	FetchValuation(ctx context.Context, symbol string, date time.Time) (*models.Valuation, error)
	FetchSymbolDirectory(ctx context.Context, asOf time.Time) ([]*models.Security, error)
	FetchTradingCalendar(ctx context.Context, start, end time.Time) ([]*models.TradingDay, error)
}

// BulkSource is implemented by providers that can serve many symbols in
// one request
type BulkSource interface {
	FetchBarsBulk(ctx context.Context, symbols []string, frequency string, start, end time.Time) (map[string][]*models.Bar, error)
	FetchFundamentalsBulk(ctx context.Context, symbols []string, period time.Time) (map[string][]*models.Financial, error)
	FetchValuationsBulk(ctx context.Context, symbols []string, date time.Time) (map[string]*models.Valuation, error)
}

// valuationWindow bounds how far back FetchValuation looks for a snapshot
const valuationWindow = 10 * 24 * time.Hour

// New builds the provider selected by cfg.Kind
func New(cfg *config.SourceConfig, market string, logger *logrus.Logger) (DataSource, error) {
	switch cfg.Kind {
	case "memory":
		return NewMemory("memory", market), nil
	case "csv":
		src, err := LoadCSV(cfg.DataDir, market)
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"component": "source",
			"dir":       cfg.DataDir,
		}).Info("Loaded CSV source")
		return src, nil
	case "http":
		return NewHTTPSource(cfg, market, logger), nil
	}
	return nil, fmt.Errorf("unsupported source kind: %s", cfg.Kind)
}
