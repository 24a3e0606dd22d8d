package sources

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/market-sync/pkg/models"
)

// Operation names used for call counting and fault injection
const (
	OpBars             = "bars"
	OpFundamentals     = "fundamentals"
	OpValuation        = "valuation"
	OpDirectory        = "directory"
	OpCalendar         = "calendar"
	OpBarsBulk         = "bars_bulk"
	OpFundamentalsBulk = "fundamentals_bulk"
	OpValuationsBulk   = "valuations_bulk"
	OpConnect          = "connect"
	OpPing             = "ping"
)

type barKey struct {
	symbol    string
	frequency string
}

type fault struct {
	err       error
	remaining int // <0 means forever
}

// Memory is an in-process provider backed by fixtures. It counts calls,
// can inject failures per operation and tracks how many calls overlap.
type Memory struct {
	name   string
	market string

	mu         sync.Mutex
	bars       map[barKey][]*models.Bar
	financials map[string][]*models.Financial
	valuations map[string][]*models.Valuation
	securities []*models.Security
	calendar   []*models.TradingDay

	calls   map[string]int
	faults  map[string]*fault
	latency time.Duration

	active     int
	peakActive int
	connected  bool
}

// NewMemory creates an empty memory source
func NewMemory(name, market string) *Memory {
	return &Memory{
		name:       name,
		market:     market,
		bars:       make(map[barKey][]*models.Bar),
		financials: make(map[string][]*models.Financial),
		valuations: make(map[string][]*models.Valuation),
		calls:      make(map[string]int),
		faults:     make(map[string]*fault),
	}
}

// Name returns the provider name
func (m *Memory) Name() string { return m.name }

// AddBars stores bars, replacing any with the same key
func (m *Memory) AddBars(bars ...*models.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bars {
		k := barKey{b.Symbol, b.Frequency}
		series := m.bars[k]
		i := sort.Search(len(series), func(i int) bool { return !series[i].Date.Before(b.Date) })
		if i < len(series) && series[i].Date.Equal(b.Date) {
			series[i] = b
			continue
		}
		series = append(series, nil)
		copy(series[i+1:], series[i:])
		series[i] = b
		m.bars[k] = series
	}
}

// AddFinancials stores statements
func (m *Memory) AddFinancials(fs ...*models.Financial) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range fs {
		m.financials[f.Symbol] = append(m.financials[f.Symbol], f)
	}
}

// AddValuations stores valuation snapshots
func (m *Memory) AddValuations(vs ...*models.Valuation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vs {
		series := append(m.valuations[v.Symbol], v)
		sort.Slice(series, func(i, j int) bool { return series[i].Date.Before(series[j].Date) })
		m.valuations[v.Symbol] = series
	}
}

// AddSecurities stores directory entries
func (m *Memory) AddSecurities(ss ...*models.Security) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.securities = append(m.securities, ss...)
}

// AddCalendar stores calendar days
func (m *Memory) AddCalendar(days ...*models.TradingDay) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calendar = append(m.calendar, days...)
	sort.Slice(m.calendar, func(i, j int) bool { return m.calendar[i].Date.Before(m.calendar[j].Date) })
}

// Fail makes the next times calls of op return err; times < 0 fails forever
func (m *Memory) Fail(op string, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = &fault{err: err, remaining: times}
}

// Heal removes injected faults for op
func (m *Memory) Heal(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.faults, op)
}

// SetLatency makes every call sleep for d
func (m *Memory) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Calls returns how many times op was invoked
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// PeakConcurrency returns the largest number of calls seen in flight at once
func (m *Memory) PeakConcurrency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peakActive
}

func (m *Memory) enter(ctx context.Context, op string) (func(), error) {
	m.mu.Lock()
	m.calls[op]++
	m.active++
	if m.active > m.peakActive {
		m.peakActive = m.active
	}
	latency := m.latency
	var err error
	if f, ok := m.faults[op]; ok && f.remaining != 0 {
		err = f.err
		if f.remaining > 0 {
			f.remaining--
		}
	}
	m.mu.Unlock()

	leave := func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			leave()
			return nil, ctx.Err()
		}
	}
	if err != nil {
		leave()
		return nil, err
	}
	return leave, nil
}

func (m *Memory) barsBetween(symbol, frequency string, start, end time.Time) []*models.Bar {
	var out []*models.Bar
	for _, b := range m.bars[barKey{symbol, frequency}] {
		if b.Date.Before(start) || b.Date.After(end) {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	return out
}

// FetchBars returns stored bars within [start, end]
func (m *Memory) FetchBars(ctx context.Context, symbol, frequency string, start, end time.Time) ([]*models.Bar, error) {
	leave, err := m.enter(ctx, OpBars)
	if err != nil {
		return nil, err
	}
	defer leave()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.barsBetween(symbol, frequency, start, end), nil
}

func (m *Memory) financialsFor(symbol string, period time.Time) []*models.Financial {
	var out []*models.Financial
	for _, f := range m.financials[symbol] {
		if f.ReportDate.Equal(period) {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out
}

// FetchFundamentals returns statements for the period ending on period
func (m *Memory) FetchFundamentals(ctx context.Context, symbol string, period time.Time) ([]*models.Financial, error) {
	leave, err := m.enter(ctx, OpFundamentals)
	if err != nil {
		return nil, err
	}
	defer leave()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.financialsFor(symbol, period), nil
}

func (m *Memory) valuationAt(symbol string, date time.Time) *models.Valuation {
	series := m.valuations[symbol]
	for i := len(series) - 1; i >= 0; i-- {
		v := series[i]
		if v.Date.After(date) {
			continue
		}
		if date.Sub(v.Date) > valuationWindow {
			return nil
		}
		cp := *v
		return &cp
	}
	return nil
}

// FetchValuation returns the latest snapshot on or shortly before date
func (m *Memory) FetchValuation(ctx context.Context, symbol string, date time.Time) (*models.Valuation, error) {
	leave, err := m.enter(ctx, OpValuation)
	if err != nil {
		return nil, err
	}
	defer leave()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valuationAt(symbol, date), nil
}

// FetchSymbolDirectory returns securities listed on or before asOf
func (m *Memory) FetchSymbolDirectory(ctx context.Context, asOf time.Time) ([]*models.Security, error) {
	leave, err := m.enter(ctx, OpDirectory)
	if err != nil {
		return nil, err
	}
	defer leave()

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Security
	for _, s := range m.securities {
		if !s.ListDate.IsZero() && s.ListDate.After(asOf) {
			continue
		}
		cp := *s
		if cp.Market == "" {
			cp.Market = m.market
		}
		out = append(out, &cp)
	}
	return out, nil
}

// FetchTradingCalendar returns calendar days within [start, end]
func (m *Memory) FetchTradingCalendar(ctx context.Context, start, end time.Time) ([]*models.TradingDay, error) {
	leave, err := m.enter(ctx, OpCalendar)
	if err != nil {
		return nil, err
	}
	defer leave()

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TradingDay
	for _, d := range m.calendar {
		if d.Date.Before(start) || d.Date.After(end) {
			continue
		}
		cp := *d
		if cp.Market == "" {
			cp.Market = m.market
		}
		out = append(out, &cp)
	}
	return out, nil
}

// FetchBarsBulk returns bars within [start, end] for every symbol that has any
func (m *Memory) FetchBarsBulk(ctx context.Context, symbols []string, frequency string, start, end time.Time) (map[string][]*models.Bar, error) {
	leave, err := m.enter(ctx, OpBarsBulk)
	if err != nil {
		return nil, err
	}
	defer leave()

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]*models.Bar, len(symbols))
	for _, s := range symbols {
		if bars := m.barsBetween(s, frequency, start, end); len(bars) > 0 {
			out[s] = bars
		}
	}
	return out, nil
}

// FetchFundamentalsBulk returns statements for period, keyed by symbol
func (m *Memory) FetchFundamentalsBulk(ctx context.Context, symbols []string, period time.Time) (map[string][]*models.Financial, error) {
	leave, err := m.enter(ctx, OpFundamentalsBulk)
	if err != nil {
		return nil, err
	}
	defer leave()

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]*models.Financial, len(symbols))
	for _, s := range symbols {
		if fs := m.financialsFor(s, period); len(fs) > 0 {
			out[s] = fs
		}
	}
	return out, nil
}

// FetchValuationsBulk returns snapshots at date, keyed by symbol
func (m *Memory) FetchValuationsBulk(ctx context.Context, symbols []string, date time.Time) (map[string]*models.Valuation, error) {
	leave, err := m.enter(ctx, OpValuationsBulk)
	if err != nil {
		return nil, err
	}
	defer leave()

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*models.Valuation, len(symbols))
	for _, s := range symbols {
		if v := m.valuationAt(s, date); v != nil {
			out[s] = v
		}
	}
	return out, nil
}

// Connect implements session.Connector
func (m *Memory) Connect(ctx context.Context) error {
	leave, err := m.enter(ctx, OpConnect)
	if err != nil {
		return err
	}
	defer leave()

	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

// Ping implements session.Connector
func (m *Memory) Ping(ctx context.Context) error {
	leave, err := m.enter(ctx, OpPing)
	if err != nil {
		return err
	}
	defer leave()
	return nil
}

// Disconnect implements session.Connector
func (m *Memory) Disconnect(context.Context) error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

// Connected reports whether Connect was called without a later Disconnect
func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}
