package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/market-sync/internal/gaps"
	"github.com/market-sync/internal/pipeline"
	"github.com/market-sync/pkg/models"
	"github.com/sirupsen/logrus"
)

// DirectoryMarkerKey is the sync_meta key holding the last directory
// refresh date of a market
func DirectoryMarkerKey(market string) string {
	return "directory_refreshed:" + market
}

type phaseFunc func(context.Context, *run) (map[string]int, models.PhaseStatus, error)

// updateCalendar fetches the calendar of each year in target-1..target+1
// that has no stored rows
func (o *Orchestrator) updateCalendar(ctx context.Context, r *run) (map[string]int, models.PhaseStatus, error) {
	year := r.target.Year()
	have, err := o.db.CalendarYearCounts(ctx, o.cfg.Market, year-1, year+1)
	if err != nil {
		return nil, models.PhaseFailed, err
	}

	counts := map[string]int{"years_present": 0, "years_fetched": 0, "years_failed": 0, "days": 0}
	var firstErr error
	var buffered []int
	for y := year - 1; y <= year+1; y++ {
		if have[y] > 0 {
			counts["years_present"]++
			continue
		}
		start := time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(y, 12, 31, 0, 0, 0, 0, time.UTC)
		days, err := o.src.FetchTradingCalendar(ctx, start, end)
		if err != nil {
			counts["years_failed"]++
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to update calendar for %d: %w", y, err)
			}
			o.log.WithError(err).WithField("year", y).Warn("Calendar year not updated")
			continue
		}
		if len(days) == 0 {
			continue
		}

		records := make([]models.Record, 0, len(days))
		for _, d := range days {
			if d.Market == "" {
				d.Market = o.cfg.Market
			}
			records = append(records, d)
		}
		buffered = append(buffered, y)
		flushed, err := o.writer.Add(ctx, records...)
		counts["days"] += flushed[models.TableCalendar]
		if err != nil {
			o.log.WithError(err).WithField("year", y).Warn("Calendar flush failed, retrying at phase end")
		}
	}

	n, err := o.writer.Flush(ctx, models.TableCalendar)
	counts["days"] += n
	if err != nil {
		counts["years_failed"] += len(buffered)
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to store calendar: %w", err)
		}
	} else {
		counts["years_fetched"] += len(buffered)
	}

	switch {
	case counts["years_failed"] == 0:
		return counts, models.PhaseCompleted, nil
	case counts["years_fetched"]+counts["years_present"] > 0:
		return counts, models.PhasePartial, nil
	}
	return counts, models.PhaseFailed, firstErr
}

// updateDirectory refreshes securities at most once per day
func (o *Orchestrator) updateDirectory(ctx context.Context, r *run) (map[string]int, models.PhaseStatus, error) {
	today := models.DateOf(o.now())
	if !r.opts.RefreshDirectory && o.directoryFresh(ctx, today) {
		o.log.Info("Symbol directory already refreshed today")
		return map[string]int{"refreshed": 0}, models.PhaseCompleted, nil
	}

	secs, err := o.src.FetchSymbolDirectory(ctx, r.target)
	if err != nil {
		return nil, models.PhaseFailed, fmt.Errorf("failed to fetch symbol directory: %w", err)
	}
	if len(secs) == 0 {
		return map[string]int{"fetched": 0}, models.PhaseFailed, errors.New("provider returned an empty symbol directory")
	}

	records := make([]models.Record, 0, len(secs))
	for _, s := range secs {
		if s.Market == "" {
			s.Market = o.cfg.Market
		}
		records = append(records, s)
	}
	kept, rejected := o.validator.Admit(records)
	flushed, err := o.writer.Add(ctx, kept...)
	if err != nil {
		return nil, models.PhaseFailed, err
	}
	n, err := o.writer.Flush(ctx, models.TableSecurities)
	if err != nil {
		return nil, models.PhaseFailed, err
	}

	day := models.FormatDate(today)
	if err := o.db.SetMeta(ctx, DirectoryMarkerKey(o.cfg.Market), day); err != nil {
		o.log.WithError(err).Warn("Failed to store directory refresh marker")
	}
	o.emit("directory marker", func() error { return o.cache.SetDirectoryRefreshed(ctx, o.cfg.Market, today) })

	counts := map[string]int{
		"fetched":   len(secs),
		"written":   flushed[models.TableSecurities] + n,
		"rejected":  len(rejected),
		"refreshed": 1,
	}
	status := models.PhaseCompleted
	if len(rejected) > 0 {
		status = models.PhasePartial
	}
	return counts, status, nil
}

func (o *Orchestrator) directoryFresh(ctx context.Context, today time.Time) bool {
	if day, ok, err := o.cache.DirectoryRefreshed(ctx, o.cfg.Market); err == nil && ok && !day.Before(today) {
		return true
	}
	v, ok, err := o.db.GetMeta(ctx, DirectoryMarkerKey(o.cfg.Market))
	if err != nil || !ok {
		return false
	}
	day, err := models.ParseDate(v)
	return err == nil && !day.Before(today)
}

// incrementalSync runs the bar job once per frequency
func (o *Orchestrator) incrementalSync(ctx context.Context, r *run) (map[string]int, models.PhaseStatus, error) {
	catalog, err := o.symbols(ctx, r)
	if err != nil {
		return nil, models.PhaseFailed, err
	}

	counts := make(map[string]int)
	statuses := make([]models.PhaseStatus, 0, len(r.frequencies))
	var firstErr error
	for _, freq := range r.frequencies {
		job := pipeline.NewBarsJob(o.src, o.db, freq, r.target, o.cfg.InitialLookbackDays)
		cp := o.state.BarCheckpoint(freq, r.target, r.sessionID)
		res, err := o.pipe.Run(ctx, job, cp, catalog, len(catalog))
		if res != nil {
			for k, v := range res.Counts() {
				counts[k] += v
			}
			counts["records_"+freq] = res.Records
		}
		if err != nil {
			statuses = append(statuses, models.PhaseFailed)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to sync %s bars: %w", freq, err)
			}
			continue
		}
		statuses = append(statuses, res.Status())
		o.cacheLastBars(ctx, catalog, freq)
	}

	status := fold(statuses)
	if status != models.PhaseFailed {
		return counts, status, nil
	}
	if firstErr == nil {
		firstErr = errors.New("bar sync failed for every symbol")
	}
	return counts, status, firstErr
}

func (o *Orchestrator) cacheLastBars(ctx context.Context, catalog []string, freq string) {
	dates, err := o.db.LastBarDates(ctx, catalog, freq)
	if err != nil {
		o.log.WithError(err).WithField("frequency", freq).Warn("Failed to read last bar dates")
		return
	}
	o.emit("last bar dates", func() error { return o.cache.SetLastBarDates(ctx, freq, dates) })
}

// extendedSync fills financials and valuations for the outstanding set
func (o *Orchestrator) extendedSync(ctx context.Context, r *run) (map[string]int, models.PhaseStatus, error) {
	catalog, err := o.symbols(ctx, r)
	if err != nil {
		return nil, models.PhaseFailed, err
	}

	reclaimed, err := o.state.ReclaimStale(ctx)
	if err != nil {
		o.log.WithError(err).Warn("Failed to reclaim stale sync rows")
	}

	outstanding, err := o.state.Outstanding(ctx, catalog, r.target)
	if err != nil {
		return nil, models.PhaseFailed, err
	}

	job := pipeline.NewExtendedJob(o.src, o.state, o.indicators, r.target)
	cp := o.state.TargetCheckpoint(r.target, r.sessionID, models.SyncTypeExtended)
	res, err := o.pipe.Run(ctx, job, cp, outstanding, len(catalog))
	counts := map[string]int{}
	if res != nil {
		counts = res.Counts()
	}
	counts["catalog"] = len(catalog)
	counts["outstanding"] = len(outstanding)
	counts["reclaimed"] = reclaimed
	if err != nil {
		return counts, models.PhaseFailed, err
	}

	status := res.Status()
	if status == models.PhaseFailed {
		return counts, status, fmt.Errorf("extended sync failed for all %d symbols", res.Processed)
	}
	return counts, status, nil
}

// repairGaps detects gaps over the lookback window and repairs the largest
func (o *Orchestrator) repairGaps(ctx context.Context, r *run) (map[string]int, models.PhaseStatus, error) {
	catalog, err := o.symbols(ctx, r)
	if err != nil {
		return nil, models.PhaseFailed, err
	}

	start, end := gaps.LookbackRange(r.target, o.cfg.GapLookbackDays)
	sum, err := o.detector.DetectAll(ctx, catalog, r.frequencies, start, end)
	if err != nil {
		return nil, models.PhaseFailed, err
	}

	counts := map[string]int{
		"gaps":          sum.TotalGaps,
		"missing_days":  sum.MissingDays,
		"detect_errors": len(sum.Errors),
	}
	if sum.TotalGaps == 0 {
		return counts, models.PhaseCompleted, nil
	}

	res, err := o.backfiller.Repair(ctx, sum.Gaps)
	if res != nil {
		for k, v := range res.Counts() {
			counts[k] = v
		}
	}
	if err != nil {
		return counts, models.PhaseFailed, err
	}

	status := models.PhaseCompleted
	if res.Failed > 0 || len(sum.Errors) > 0 {
		status = models.PhasePartial
		if res.Repaired == 0 && res.Attempted > 0 {
			status = models.PhaseFailed
			return counts, status, fmt.Errorf("all %d gap repairs failed", res.Attempted)
		}
	}
	return counts, status, nil
}

// validate re-checks a sample of recently stored daily bars
func (o *Orchestrator) validate(ctx context.Context, r *run) (map[string]int, models.PhaseStatus, error) {
	catalog, err := o.symbols(ctx, r)
	if err != nil {
		return nil, models.PhaseFailed, err
	}

	sample := Sample(catalog, o.cfg.ValidationSampleSize)
	start := r.target.AddDate(0, 0, -o.cfg.ValidationLookbackDays)

	counts := map[string]int{"symbols": len(sample), "total": 0, "valid": 0, "invalid": 0}
	for _, sym := range sample {
		bars, err := o.db.Bars(ctx, sym, models.FrequencyDaily, start, r.target)
		if err != nil {
			return counts, models.PhaseFailed, err
		}
		rep := o.validator.CheckSeries(bars)
		counts["total"] += rep.Total
		counts["valid"] += rep.Valid
		counts["invalid"] += rep.Invalid
		for _, issue := range rep.Issues {
			o.log.WithFields(logrus.Fields{
				"symbol": issue.Symbol,
				"date":   models.FormatDate(issue.Date),
				"reason": issue.Reason,
			}).Warn("Stored bar failed validation")
		}
	}

	counts["validation_rate_pct"] = 100
	if counts["total"] > 0 {
		counts["validation_rate_pct"] = counts["valid"] * 100 / counts["total"]
	}
	return counts, models.PhaseCompleted, nil
}

// Sample picks up to n symbols evenly spaced over the sorted list
func Sample(symbols []string, n int) []string {
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	if n <= 0 || len(sorted) <= n {
		return sorted
	}
	out := make([]string, 0, n)
	step := float64(len(sorted)) / float64(n)
	for i := 0; i < n; i++ {
		out = append(out, sorted[int(float64(i)*step)])
	}
	return out
}

// fold combines per-frequency statuses into one phase status
func fold(statuses []models.PhaseStatus) models.PhaseStatus {
	if len(statuses) == 0 {
		return models.PhaseCompleted
	}
	failed, done := 0, 0
	for _, s := range statuses {
		switch s {
		case models.PhaseFailed:
			failed++
		case models.PhaseCompleted, models.PhaseSkipped:
			done++
		}
	}
	switch {
	case failed == len(statuses):
		return models.PhaseFailed
	case done == len(statuses):
		return models.PhaseCompleted
	}
	return models.PhasePartial
}
