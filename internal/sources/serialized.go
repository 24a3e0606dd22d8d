package sources

import (
	"context"
	"time"

	"github.com/market-sync/internal/session"
	"github.com/market-sync/pkg/models"
)

type serialized struct {
	src DataSource
	mgr *session.Manager
}

type serializedBulk struct {
	serialized
	bulk BulkSource
}

// Serialize routes every call of src through the session manager so that
// provider calls never overlap. Bulk capability is preserved.
func Serialize(src DataSource, mgr *session.Manager) DataSource {
	s := serialized{src: src, mgr: mgr}
	if bulk, ok := src.(BulkSource); ok {
		return &serializedBulk{serialized: s, bulk: bulk}
	}
	return &s
}

func (s *serialized) Name() string { return s.src.Name() }

func (s *serialized) FetchBars(ctx context.Context, symbol, frequency string, start, end time.Time) ([]*models.Bar, error) {
	var out []*models.Bar
	err := s.mgr.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.src.FetchBars(ctx, symbol, frequency, start, end)
		return err
	})
	return out, err
}

func (s *serialized) FetchFundamentals(ctx context.Context, symbol string, period time.Time) ([]*models.Financial, error) {
	var out []*models.Financial
	err := s.mgr.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.src.FetchFundamentals(ctx, symbol, period)
		return err
	})
	return out, err
}

func (s *serialized) FetchValuation(ctx context.Context, symbol string, date time.Time) (*models.Valuation, error) {
	var out *models.Valuation
	err := s.mgr.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.src.FetchValuation(ctx, symbol, date)
		return err
	})
	return out, err
}

func (s *serialized) FetchSymbolDirectory(ctx context.Context, asOf time.Time) ([]*models.Security, error) {
	var out []*models.Security
	err := s.mgr.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.src.FetchSymbolDirectory(ctx, asOf)
		return err
	})
	return out, err
}

func (s *serialized) FetchTradingCalendar(ctx context.Context, start, end time.Time) ([]*models.TradingDay, error) {
	var out []*models.TradingDay
	err := s.mgr.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.src.FetchTradingCalendar(ctx, start, end)
		return err
	})
	return out, err
}

func (s *serializedBulk) FetchBarsBulk(ctx context.Context, symbols []string, frequency string, start, end time.Time) (map[string][]*models.Bar, error) {
	var out map[string][]*models.Bar
	err := s.mgr.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.bulk.FetchBarsBulk(ctx, symbols, frequency, start, end)
		return err
	})
	return out, err
}

func (s *serializedBulk) FetchFundamentalsBulk(ctx context.Context, symbols []string, period time.Time) (map[string][]*models.Financial, error) {
	var out map[string][]*models.Financial
	err := s.mgr.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.bulk.FetchFundamentalsBulk(ctx, symbols, period)
		return err
	})
	return out, err
}

func (s *serializedBulk) FetchValuationsBulk(ctx context.Context, symbols []string, date time.Time) (map[string]*models.Valuation, error) {
	var out map[string]*models.Valuation
	err := s.mgr.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.bulk.FetchValuationsBulk(ctx, symbols, date)
		return err
	})
	return out, err
}

type nopConnector struct{}

func (nopConnector) Connect(context.Context) error    { return nil }
func (nopConnector) Ping(context.Context) error       { return nil }
func (nopConnector) Disconnect(context.Context) error { return nil }

// ConnectorFor returns src's session handle, or a no-op one for stateless
// providers
func ConnectorFor(src DataSource) session.Connector {
	if c, ok := src.(session.Connector); ok {
		return c
	}
	return nopConnector{}
}
