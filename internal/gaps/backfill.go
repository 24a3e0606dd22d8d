package gaps

import (
	"context"
	"fmt"
	"time"

	"github.com/market-sync/internal/database"
	"github.com/market-sync/internal/metrics"
	"github.com/market-sync/internal/quality"
	"github.com/market-sync/internal/sources"
	"github.com/market-sync/internal/writer"
	"github.com/market-sync/pkg/models"
	"github.com/sirupsen/logrus"
)

// RepairResult summarizes one Backfiller.Repair pass
type RepairResult struct {
	Attempted int      `json:"attempted"`
	Repaired  int      `json:"repaired"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Deferred  int      `json:"deferred"`
	Records   int      `json:"records"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
}

// Counts flattens the result for phase reports
func (r *RepairResult) Counts() map[string]int {
	return map[string]int{
		"attempted": r.Attempted,
		"repaired":  r.Repaired,
		"failed":    r.Failed,
		"skipped":   r.Skipped,
		"deferred":  r.Deferred,
		"records":   r.Records,
		"rejected":  r.Rejected,
	}
}

// Backfiller fetches the bars of detected gaps
type Backfiller struct {
	src         sources.DataSource
	db          *database.Client
	writer      *writer.BatchWriter
	validator   *quality.Validator
	suspensions *Suspensions
	maxRepairs  int
	logger      *logrus.Entry
}

// NewBackfiller creates a backfiller attempting at most maxRepairs gaps per
// pass; src should be session-serialized
func NewBackfiller(src sources.DataSource, db *database.Client, w *writer.BatchWriter, v *quality.Validator,
	suspensions *Suspensions, maxRepairs int, logger *logrus.Logger) *Backfiller {
	if maxRepairs < 1 {
		maxRepairs = 10
	}
	return &Backfiller{
		src:         src,
		db:          db,
		writer:      w,
		validator:   v,
		suspensions: suspensions,
		maxRepairs:  maxRepairs,
		logger:      logger.WithField("component", "backfill"),
	}
}

// Repair fetches gaps in order until the repair cap is reached. Bars go
// through the writer buffer; a gap counts as repaired once its bars are
// committed. Failures are counted and reported, never returned.
func (b *Backfiller) Repair(ctx context.Context, gaps []*models.GapInterval) (*RepairResult, error) {
	res := &RepairResult{}
	var pending []*models.GapInterval

	settle := func(n int, err error) {
		for _, g := range pending {
			if err != nil {
				b.fail(res, g, err)
				continue
			}
			res.Repaired++
			metrics.GapRepairs.WithLabelValues("repaired").Inc()
		}
		res.Records += n
		pending = pending[:0]
	}

	for i, g := range gaps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if res.Attempted >= b.maxRepairs {
			res.Deferred = len(gaps) - i
			break
		}

		log := b.logger.WithFields(logrus.Fields{
			"symbol":    g.Symbol,
			"frequency": g.Frequency,
			"start":     models.FormatDate(g.StartDate),
			"end":       models.FormatDate(g.EndDate),
		})

		skip, reason, err := b.skip(ctx, g)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", g.Symbol, err))
			metrics.GapRepairs.WithLabelValues("failed").Inc()
			continue
		}
		if skip {
			res.Skipped++
			metrics.GapRepairs.WithLabelValues("skipped").Inc()
			log.WithField("reason", reason).Debug("Gap skipped")
			continue
		}

		res.Attempted++
		kept, rejected, err := b.fetch(ctx, g)
		res.Rejected += rejected
		if err != nil {
			b.fail(res, g, err)
			continue
		}

		pending = append(pending, g)
		flushed, err := b.writer.Add(ctx, kept...)
		if err != nil {
			// the bars stay buffered for the closing flush
			log.WithError(err).Warn("Buffered gap bars not flushed yet")
			continue
		}
		if n, ok := flushed[models.TableBars]; ok {
			settle(n, nil)
		}
		log.WithField("records", len(kept)).Debug("Gap bars buffered")
	}

	if len(pending) > 0 {
		settle(b.writer.Flush(ctx, models.TableBars))
	}
	return res, nil
}

func (b *Backfiller) fail(res *RepairResult, g *models.GapInterval, err error) {
	res.Failed++
	res.Errors = append(res.Errors, fmt.Sprintf("%s %s..%s: %v",
		g.Symbol, models.FormatDate(g.StartDate), models.FormatDate(g.EndDate), err))
	metrics.GapRepairs.WithLabelValues("failed").Inc()
	b.logger.WithError(err).WithFields(logrus.Fields{
		"symbol":    g.Symbol,
		"frequency": g.Frequency,
	}).Warn("Gap repair failed")
}

// skip reports intervals that cannot have bars: wholly before listing or
// inside one suspension window
func (b *Backfiller) skip(ctx context.Context, g *models.GapInterval) (bool, string, error) {
	sec, err := b.db.Security(ctx, g.Symbol)
	if err != nil {
		return false, "", err
	}
	if sec != nil && !sec.ListDate.IsZero() && g.EndDate.Before(sec.ListDate) {
		return true, "before listing", nil
	}
	if b.suspensions.Covers(g.Symbol, g.StartDate, g.EndDate) {
		return true, "suspended", nil
	}
	return false, "", nil
}

// fetch returns the admitted bars of one gap
func (b *Backfiller) fetch(ctx context.Context, g *models.GapInterval) ([]models.Record, int, error) {
	bars, err := b.src.FetchBars(ctx, g.Symbol, g.Frequency, g.StartDate, g.EndDate)
	if err != nil {
		return nil, 0, err
	}

	records := make([]models.Record, 0, len(bars))
	for _, bar := range bars {
		bar.Symbol = g.Symbol
		bar.Frequency = g.Frequency
		if bar.Source == "" {
			bar.Source = b.src.Name()
		}
		records = append(records, bar)
	}
	kept, rejected := b.validator.Admit(records)
	if len(kept) == 0 {
		return nil, len(rejected), fmt.Errorf("provider returned no usable bars")
	}
	return kept, len(rejected), nil
}

// LookbackRange returns the detection range ending at target
func LookbackRange(target time.Time, lookbackDays int) (time.Time, time.Time) {
	return target.AddDate(0, 0, -lookbackDays), target
}
