// Package gaps finds and repairs missing bars against the trading calendar.
package gaps

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/market-sync/internal/database"
	"github.com/market-sync/internal/metrics"
	"github.com/market-sync/pkg/models"
	"github.com/sirupsen/logrus"
)

// calendarLookahead extends calendar reads past the range end so the last
// trading day of a week or month spanning the end is known
const calendarLookahead = 31

// Detector compares stored bars with the trading calendar
type Detector struct {
	db          *database.Client
	market      string
	suspensions *Suspensions
	now         func() time.Time
	logger      *logrus.Entry
}

// DetectorOption configures a Detector
type DetectorOption func(*Detector)

// WithDetectorClock overrides the clock that bounds the expected range
func WithDetectorClock(now func() time.Time) DetectorOption {
	return func(d *Detector) { d.now = now }
}

// NewDetector creates a gap detector for one market
func NewDetector(db *database.Client, market string, suspensions *Suspensions, logger *logrus.Logger, opts ...DetectorOption) *Detector {
	d := &Detector{
		db:          db,
		market:      market,
		suspensions: suspensions,
		now:         time.Now,
		logger:      logger.WithField("component", "gap_detector"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect returns the missing-bar intervals of symbol within [start, end]
func (d *Detector) Detect(ctx context.Context, symbol, frequency string, start, end time.Time) ([]*models.GapInterval, error) {
	if !models.ValidFrequency(frequency) {
		return nil, fmt.Errorf("unsupported frequency: %s", frequency)
	}
	lo, hi, ok, err := d.bounds(ctx, symbol, models.DateOf(start), models.DateOf(end))
	if err != nil || !ok {
		return nil, err
	}

	days, err := d.db.TradingDays(ctx, d.market, lo, hi.AddDate(0, 0, calendarLookahead))
	if err != nil {
		return nil, err
	}

	var expected []time.Time
	for _, day := range PeriodEnds(days, frequency) {
		if day.Before(lo) || day.After(hi) || d.suspensions.Suspended(symbol, day) {
			continue
		}
		expected = append(expected, day)
	}
	if len(expected) == 0 {
		return nil, nil
	}

	stored, err := d.db.BarDates(ctx, symbol, frequency, lo, hi)
	if err != nil {
		return nil, err
	}
	have := make(map[time.Time]bool, len(stored))
	for _, s := range stored {
		have[s] = true
	}

	return collapse(symbol, frequency, expected, have), nil
}

// bounds narrows [start, end] to the listing life of symbol and to the
// latest trading day that has already happened
func (d *Detector) bounds(ctx context.Context, symbol string, start, end time.Time) (time.Time, time.Time, bool, error) {
	sec, err := d.db.Security(ctx, symbol)
	if err != nil {
		return start, end, false, err
	}
	if sec != nil {
		if !sec.ListDate.IsZero() && sec.ListDate.After(start) {
			start = sec.ListDate
		}
		if sec.DelistDate != nil && sec.DelistDate.Before(end) {
			end = *sec.DelistDate
		}
	}

	latest, ok, err := d.db.LatestTradingDay(ctx, d.market, models.DateOf(d.now()))
	if err != nil {
		return start, end, false, err
	}
	if !ok {
		return start, end, false, nil
	}
	if latest.Before(end) {
		end = latest
	}
	return start, end, !start.After(end), nil
}

// PeriodEnds reduces ascending trading days to the dates a bar of
// frequency is stamped with: every day for 1d, the last trading day of each
// ISO week for 1w and of each month for 1M
func PeriodEnds(days []time.Time, frequency string) []time.Time {
	if frequency == models.FrequencyDaily {
		return days
	}
	key := func(t time.Time) int {
		if frequency == models.FrequencyWeekly {
			y, w := t.ISOWeek()
			return y*100 + w
		}
		return t.Year()*100 + int(t.Month())
	}

	var out []time.Time
	for i, day := range days {
		if i == len(days)-1 || key(days[i+1]) != key(day) {
			out = append(out, day)
		}
	}
	return out
}

// collapse groups missing expected dates into runs that are contiguous in
// expected-date order
func collapse(symbol, frequency string, expected []time.Time, have map[time.Time]bool) []*models.GapInterval {
	var gaps []*models.GapInterval
	var cur *models.GapInterval
	for _, day := range expected {
		if have[day] {
			cur = nil
			continue
		}
		if cur == nil {
			cur = &models.GapInterval{Symbol: symbol, Frequency: frequency, StartDate: day}
			gaps = append(gaps, cur)
		}
		cur.EndDate = day
		cur.MissingDays++
	}
	return gaps
}

// Summary aggregates a DetectAll pass
type Summary struct {
	Symbols     int                   `json:"symbols"`
	TotalGaps   int                   `json:"total_gaps"`
	MissingDays int                   `json:"missing_days"`
	ByFrequency map[string]int        `json:"by_frequency"`
	Gaps        []*models.GapInterval `json:"gaps"`
	Errors      map[string]string     `json:"errors,omitempty"`
}

// DetectAll runs Detect over symbols and frequencies. A symbol that fails
// is recorded in Errors and does not stop the pass.
func (d *Detector) DetectAll(ctx context.Context, symbols, frequencies []string, start, end time.Time) (*Summary, error) {
	sum := &Summary{ByFrequency: make(map[string]int)}
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Symbols++
		for _, freq := range frequencies {
			gaps, err := d.Detect(ctx, sym, freq, start, end)
			if err != nil {
				if sum.Errors == nil {
					sum.Errors = make(map[string]string)
				}
				sum.Errors[sym+"/"+freq] = err.Error()
				d.logger.WithError(err).WithFields(logrus.Fields{"symbol": sym, "frequency": freq}).Warn("Gap detection failed")
				continue
			}
			for _, g := range gaps {
				sum.TotalGaps++
				sum.MissingDays += g.MissingDays
				sum.ByFrequency[freq]++
				metrics.GapsDetected.WithLabelValues(freq).Inc()
			}
			sum.Gaps = append(sum.Gaps, gaps...)
		}
	}

	// largest first; Repair stops at its cap
	sort.SliceStable(sum.Gaps, func(i, j int) bool {
		return sum.Gaps[i].MissingDays > sum.Gaps[j].MissingDays
	})

	d.logger.WithFields(logrus.Fields{
		"symbols":      sum.Symbols,
		"gaps":         sum.TotalGaps,
		"missing_days": sum.MissingDays,
	}).Info("Gap detection finished")
	return sum, nil
}
