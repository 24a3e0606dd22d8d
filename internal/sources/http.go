package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/market-sync/pkg/config"
	"github.com/market-sync/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// errUnauthorized marks a request refused because the session token expired
var errUnauthorized = errors.New("session rejected by provider")

// HTTPSource talks to a JSON market data gateway. The gateway hands out a
// bearer token on login; every request is rate limited.
type HTTPSource struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	market     string
	limiter    *rate.Limiter
	logger     *logrus.Entry

	mu    sync.RWMutex
	token string
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// NewHTTPSource creates an HTTP provider client
func NewHTTPSource(cfg *config.SourceConfig, market string, logger *logrus.Logger) *HTTPSource {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &HTTPSource{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		market:     market,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.WithField("component", "http-source"),
	}
}

// Name returns the provider name
func (s *HTTPSource) Name() string { return "http" }

// Connect logs in and stores the session token
func (s *HTTPSource) Connect(ctx context.Context) error {
	if s.username == "" {
		return nil
	}
	body, err := json.Marshal(map[string]string{"username": s.username, "password": s.password})
	if err != nil {
		return err
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := s.call(ctx, http.MethodPost, "/auth/login", nil, body, &resp); err != nil {
		return err
	}
	if resp.Token == "" {
		return &models.ConnectionError{Op: "login", Err: errors.New("empty token")}
	}

	s.mu.Lock()
	s.token = resp.Token
	s.mu.Unlock()
	s.logger.Debug("Logged in to provider")
	return nil
}

// Ping checks the session is still accepted
func (s *HTTPSource) Ping(ctx context.Context) error {
	return s.call(ctx, http.MethodGet, "/auth/ping", nil, nil, nil)
}

// Disconnect logs out; the token is dropped even if the request fails
func (s *HTTPSource) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	had := s.token != ""
	s.mu.Unlock()
	if !had {
		return nil
	}
	err := s.call(ctx, http.MethodPost, "/auth/logout", nil, nil, nil)
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	return err
}

func (s *HTTPSource) call(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	u := s.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	s.mu.RLock()
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	s.mu.RUnlock()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &models.ConnectionError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		s.mu.Lock()
		s.token = ""
		s.mu.Unlock()
		return &models.ConnectionError{Op: path, Err: errUnauthorized}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &models.ConnectionError{Op: path, Err: fmt.Errorf("provider returned %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned %d for %s: %s", resp.StatusCode, path, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &models.ConnectionError{Op: path, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// fetchRows decodes the data array of a gateway envelope into rows
func (s *HTTPSource) fetchRows(ctx context.Context, path string, query url.Values, rows any) error {
	var env envelope
	if err := s.call(ctx, http.MethodGet, path, query, nil, &env); err != nil {
		return err
	}
	if env.Error != "" {
		return fmt.Errorf("provider error for %s: %s", path, env.Error)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, rows); err != nil {
		return fmt.Errorf("failed to decode %s rows: %w", path, err)
	}
	return nil
}

func (s *HTTPSource) bars(ctx context.Context, path string, query url.Values) ([]*models.Bar, error) {
	var rows []barRow
	if err := s.fetchRows(ctx, path, query, &rows); err != nil {
		return nil, err
	}
	out := make([]*models.Bar, 0, len(rows))
	for _, r := range rows {
		if r.Frequency == "" {
			r.Frequency = text(query.Get("frequency"))
		}
		b, err := r.bar(s.Name())
		if err != nil {
			s.logger.WithError(err).WithField("symbol", r.Symbol.String()).Debug("Dropping malformed bar row")
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// FetchBars implements DataSource
func (s *HTTPSource) FetchBars(ctx context.Context, symbol, frequency string, start, end time.Time) ([]*models.Bar, error) {
	return s.bars(ctx, "/bars", url.Values{
		"symbol":    {symbol},
		"frequency": {frequency},
		"start":     {models.FormatDate(start)},
		"end":       {models.FormatDate(end)},
	})
}

// FetchBarsBulk implements BulkSource
func (s *HTTPSource) FetchBarsBulk(ctx context.Context, symbols []string, frequency string, start, end time.Time) (map[string][]*models.Bar, error) {
	bars, err := s.bars(ctx, "/bars/bulk", url.Values{
		"symbols":   {strings.Join(symbols, ",")},
		"frequency": {frequency},
		"start":     {models.FormatDate(start)},
		"end":       {models.FormatDate(end)},
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string][]*models.Bar)
	for _, b := range bars {
		out[b.Symbol] = append(out[b.Symbol], b)
	}
	return out, nil
}

func (s *HTTPSource) financials(ctx context.Context, path string, query url.Values) ([]*models.Financial, error) {
	var rows []financialRow
	if err := s.fetchRows(ctx, path, query, &rows); err != nil {
		return nil, err
	}
	out := make([]*models.Financial, 0, len(rows))
	for _, r := range rows {
		f, err := r.financial(s.Name())
		if err != nil {
			s.logger.WithError(err).WithField("symbol", r.Symbol.String()).Debug("Dropping malformed financial row")
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// FetchFundamentals implements DataSource
func (s *HTTPSource) FetchFundamentals(ctx context.Context, symbol string, period time.Time) ([]*models.Financial, error) {
	return s.financials(ctx, "/fundamentals", url.Values{
		"symbol": {symbol},
		"period": {models.FormatDate(period)},
	})
}

// FetchFundamentalsBulk implements BulkSource
func (s *HTTPSource) FetchFundamentalsBulk(ctx context.Context, symbols []string, period time.Time) (map[string][]*models.Financial, error) {
	fs, err := s.financials(ctx, "/fundamentals/bulk", url.Values{
		"symbols": {strings.Join(symbols, ",")},
		"period":  {models.FormatDate(period)},
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string][]*models.Financial)
	for _, f := range fs {
		out[f.Symbol] = append(out[f.Symbol], f)
	}
	return out, nil
}

func (s *HTTPSource) valuations(ctx context.Context, path string, query url.Values) ([]*models.Valuation, error) {
	var rows []valuationRow
	if err := s.fetchRows(ctx, path, query, &rows); err != nil {
		return nil, err
	}
	out := make([]*models.Valuation, 0, len(rows))
	for _, r := range rows {
		v, err := r.valuation(s.Name())
		if err != nil {
			s.logger.WithError(err).WithField("symbol", r.Symbol.String()).Debug("Dropping malformed valuation row")
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// FetchValuation implements DataSource
func (s *HTTPSource) FetchValuation(ctx context.Context, symbol string, date time.Time) (*models.Valuation, error) {
	vs, err := s.valuations(ctx, "/valuations", url.Values{
		"symbol": {symbol},
		"date":   {models.FormatDate(date)},
	})
	if err != nil || len(vs) == 0 {
		return nil, err
	}
	return latestWithin(vs, date), nil
}

// FetchValuationsBulk implements BulkSource
func (s *HTTPSource) FetchValuationsBulk(ctx context.Context, symbols []string, date time.Time) (map[string]*models.Valuation, error) {
	vs, err := s.valuations(ctx, "/valuations/bulk", url.Values{
		"symbols": {strings.Join(symbols, ",")},
		"date":    {models.FormatDate(date)},
	})
	if err != nil {
		return nil, err
	}
	bySymbol := make(map[string][]*models.Valuation)
	for _, v := range vs {
		bySymbol[v.Symbol] = append(bySymbol[v.Symbol], v)
	}
	out := make(map[string]*models.Valuation, len(bySymbol))
	for symbol, series := range bySymbol {
		if v := latestWithin(series, date); v != nil {
			out[symbol] = v
		}
	}
	return out, nil
}

// latestWithin picks the latest snapshot on or before date inside the
// valuation window
func latestWithin(vs []*models.Valuation, date time.Time) *models.Valuation {
	var best *models.Valuation
	for _, v := range vs {
		if v.Date.After(date) || date.Sub(v.Date) > valuationWindow {
			continue
		}
		if best == nil || v.Date.After(best.Date) {
			best = v
		}
	}
	return best
}

// FetchSymbolDirectory implements DataSource
func (s *HTTPSource) FetchSymbolDirectory(ctx context.Context, asOf time.Time) ([]*models.Security, error) {
	var rows []securityRow
	if err := s.fetchRows(ctx, "/securities", url.Values{"as_of": {models.FormatDate(asOf)}}, &rows); err != nil {
		return nil, err
	}
	out := make([]*models.Security, 0, len(rows))
	for _, r := range rows {
		sec, err := r.security(s.market)
		if err != nil {
			continue
		}
		out = append(out, sec)
	}
	return out, nil
}

// FetchTradingCalendar implements DataSource
func (s *HTTPSource) FetchTradingCalendar(ctx context.Context, start, end time.Time) ([]*models.TradingDay, error) {
	var rows []calendarRow
	query := url.Values{
		"market": {s.market},
		"start":  {models.FormatDate(start)},
		"end":    {models.FormatDate(end)},
	}
	if err := s.fetchRows(ctx, "/calendar", query, &rows); err != nil {
		return nil, err
	}
	out := make([]*models.TradingDay, 0, len(rows))
	for _, r := range rows {
		d, err := r.tradingDay(s.market)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
