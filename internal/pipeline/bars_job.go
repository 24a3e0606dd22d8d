package pipeline

import (
	"context"
	"time"

	"github.com/market-sync/internal/database"
	"github.com/market-sync/internal/sources"
	"github.com/market-sync/pkg/models"
)

// BarsJob fetches the bars missing since the last stored one, up to target
type BarsJob struct {
	src       sources.DataSource
	store     *database.Client
	frequency string
	target    time.Time
	lookback  int
}

// NewBarsJob creates the incremental bar job for one frequency
func NewBarsJob(src sources.DataSource, store *database.Client, frequency string, target time.Time, lookbackDays int) *BarsJob {
	if lookbackDays <= 0 {
		lookbackDays = 365
	}
	return &BarsJob{
		src:       src,
		store:     store,
		frequency: frequency,
		target:    models.DateOf(target),
		lookback:  lookbackDays,
	}
}

func (j *BarsJob) Name() string { return "bars_" + j.frequency }

// CanBulk reports whether the provider serves multi-symbol bar requests
func (j *BarsJob) CanBulk() bool {
	_, ok := j.src.(sources.BulkSource)
	return ok
}

// rangeFor returns the first date to fetch; ok is false when the symbol is
// already up to date
func (j *BarsJob) rangeFor(last time.Time, hasLast bool, listed time.Time) (time.Time, bool) {
	if hasLast {
		if !last.Before(j.target) {
			return time.Time{}, false
		}
		return last.AddDate(0, 0, 1), true
	}
	start := j.target.AddDate(0, 0, -j.lookback)
	if !listed.IsZero() && listed.After(start) {
		start = listed
	}
	if start.After(j.target) {
		return time.Time{}, false
	}
	return start, true
}

func (j *BarsJob) payload(symbol string, bars []*models.Bar, start time.Time) *Payload {
	p := &Payload{Records: make([]models.Record, 0, len(bars))}
	for _, b := range bars {
		if b.Date.Before(start) || b.Date.After(j.target) {
			continue
		}
		b.Symbol = symbol
		b.Frequency = j.frequency
		if b.Source == "" {
			b.Source = j.src.Name()
		}
		p.Records = append(p.Records, b)
	}
	return p
}

// FetchOne implements Job
func (j *BarsJob) FetchOne(ctx context.Context, symbol string) (*Payload, error) {
	last, hasLast, err := j.store.LastBarDate(ctx, symbol, j.frequency)
	if err != nil {
		return nil, err
	}
	var listed time.Time
	if !hasLast {
		sec, err := j.store.Security(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if sec != nil {
			listed = sec.ListDate
		}
	}

	start, ok := j.rangeFor(last, hasLast, listed)
	if !ok {
		return &Payload{Present: 1}, nil
	}

	bars, err := j.src.FetchBars(ctx, symbol, j.frequency, start, j.target)
	if err != nil {
		return nil, err
	}
	return j.payload(symbol, bars, start), nil
}

// FetchMany implements BulkJob. Every symbol of the chunk gets a payload.
func (j *BarsJob) FetchMany(ctx context.Context, symbols []string) (map[string]*Payload, error) {
	lasts, err := j.store.LastBarDates(ctx, symbols, j.frequency)
	if err != nil {
		return nil, err
	}
	secs, err := j.store.Securities(ctx, symbols)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*Payload, len(symbols))
	starts := make(map[string]time.Time, len(symbols))
	var need []string
	var earliest time.Time
	for _, sym := range symbols {
		var listed time.Time
		if sec := secs[sym]; sec != nil {
			listed = sec.ListDate
		}
		last, hasLast := lasts[sym]
		start, ok := j.rangeFor(last, hasLast, listed)
		if !ok {
			out[sym] = &Payload{Present: 1}
			continue
		}
		starts[sym] = start
		need = append(need, sym)
		if earliest.IsZero() || start.Before(earliest) {
			earliest = start
		}
	}
	if len(need) == 0 {
		return out, nil
	}

	bulk := j.src.(sources.BulkSource)
	bySymbol, err := bulk.FetchBarsBulk(ctx, need, j.frequency, earliest, j.target)
	if err != nil {
		return nil, err
	}
	for _, sym := range need {
		out[sym] = j.payload(sym, bySymbol[sym], starts[sym])
	}
	return out, nil
}
