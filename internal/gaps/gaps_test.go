package gaps_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/market-sync/internal/database"
	"github.com/market-sync/internal/database/dbtest"
	"github.com/market-sync/internal/gaps"
	"github.com/market-sync/internal/quality"
	"github.com/market-sync/internal/sources"
	"github.com/market-sync/internal/writer"
	"github.com/market-sync/pkg/logger"
	"github.com/market-sync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const market = "CN"

func day(s string) time.Time {
	d, err := models.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func weekdays(start, end time.Time) []time.Time {
	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() != time.Saturday && d.Weekday() != time.Sunday {
			out = append(out, d)
		}
	}
	return out
}

func bar(symbol, frequency string, d time.Time) *models.Bar {
	return &models.Bar{
		Symbol: symbol, Date: d, Frequency: frequency,
		Open: 10, High: 11, Low: 9, Close: 10, Volume: 100, Source: "test",
	}
}

func upsert(t *testing.T, db *database.Client, table string, records ...models.Record) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := db.UpsertBulk(ctx, tx, table, records)
		return err
	}))
}

// seed stores a weekday calendar for Dec 2023 through Feb 2024 and daily
// bars on every weekday of January up to the 24th except skip
func seed(t *testing.T, db *database.Client, symbol string, skip ...string) {
	t.Helper()
	var cal []models.Record
	for _, d := range weekdays(day("2023-12-01"), day("2024-02-29")) {
		cal = append(cal, &models.TradingDay{Date: d, Market: market, IsTrading: true})
	}
	upsert(t, db, models.TableCalendar, cal...)

	skipped := make(map[string]bool)
	for _, s := range skip {
		skipped[s] = true
	}
	var bars []models.Record
	for _, d := range weekdays(day("2024-01-01"), day("2024-01-24")) {
		if !skipped[models.FormatDate(d)] {
			bars = append(bars, bar(symbol, models.FrequencyDaily, d))
		}
	}
	upsert(t, db, models.TableBars, bars...)
}

func clockAt(s string) gaps.DetectorOption {
	return gaps.WithDetectorClock(func() time.Time { return day(s).Add(18 * time.Hour) })
}

func span(g *models.GapInterval) [3]any {
	return [3]any{models.FormatDate(g.StartDate), models.FormatDate(g.EndDate), g.MissingDays}
}

func TestDetectDailyGaps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := dbtest.New(t)
	seed(t, db, "000001.SZ", "2024-01-10", "2024-01-11", "2024-01-17")

	d := gaps.NewDetector(db, market, nil, logger.Discard(), clockAt("2024-01-24"))
	found, err := d.Detect(ctx, "000001.SZ", models.FrequencyDaily, day("2024-01-01"), day("2024-01-24"))
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, [3]any{"2024-01-10", "2024-01-11", 2}, span(found[0]))
	assert.Equal(t, [3]any{"2024-01-17", "2024-01-17", 1}, span(found[1]))
}

func TestDetectCollapsesAcrossWeekends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := dbtest.New(t)
	seed(t, db, "000001.SZ", "2024-01-12", "2024-01-15")

	d := gaps.NewDetector(db, market, nil, logger.Discard(), clockAt("2024-01-24"))
	found, err := d.Detect(ctx, "000001.SZ", models.FrequencyDaily, day("2024-01-01"), day("2024-01-24"))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, [3]any{"2024-01-12", "2024-01-15", 2}, span(found[0]))
}

func TestDetectRespectsListingAndToday(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := dbtest.New(t)
	seed(t, db, "000001.SZ", "2024-01-03", "2024-01-16", "2024-01-22")
	upsert(t, db, models.TableSecurities, &models.Security{Symbol: "000001.SZ", ListDate: day("2024-01-15")})

	// the 22nd has not happened yet on the 19th
	d := gaps.NewDetector(db, market, nil, logger.Discard(), clockAt("2024-01-19"))
	found, err := d.Detect(ctx, "000001.SZ", models.FrequencyDaily, day("2024-01-01"), day("2024-01-31"))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, [3]any{"2024-01-16", "2024-01-16", 1}, span(found[0]))
}

func TestDetectExcludesSuspensions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := dbtest.New(t)
	seed(t, db, "000001.SZ", "2024-01-08", "2024-01-09", "2024-01-10", "2024-01-18")

	s := gaps.NewSuspensions()
	s.Add("000001.SZ", gaps.Window{Start: day("2024-01-08"), End: day("2024-01-10")})

	d := gaps.NewDetector(db, market, s, logger.Discard(), clockAt("2024-01-24"))
	found, err := d.Detect(ctx, "000001.SZ", models.FrequencyDaily, day("2024-01-01"), day("2024-01-24"))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "2024-01-18", models.FormatDate(found[0].StartDate))
}

func TestDetectWeekly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := dbtest.New(t)
	seed(t, db, "000001.SZ")
	upsert(t, db, models.TableBars,
		bar("000001.SZ", models.FrequencyWeekly, day("2024-01-05")),
		bar("000001.SZ", models.FrequencyWeekly, day("2024-01-19")),
	)

	d := gaps.NewDetector(db, market, nil, logger.Discard(), clockAt("2024-01-24"))
	found, err := d.Detect(ctx, "000001.SZ", models.FrequencyWeekly, day("2024-01-01"), day("2024-01-24"))
	require.NoError(t, err)

	// the week ending 2024-01-26 is still open on the 24th
	require.Len(t, found, 1)
	assert.Equal(t, [3]any{"2024-01-12", "2024-01-12", 1}, span(found[0]))
}

func TestPeriodEnds(t *testing.T) {
	t.Parallel()
	days := weekdays(day("2024-01-29"), day("2024-02-09"))

	assert.Equal(t, days, gaps.PeriodEnds(days, models.FrequencyDaily))

	weekly := gaps.PeriodEnds(days, models.FrequencyWeekly)
	assert.Equal(t, []time.Time{day("2024-02-02"), day("2024-02-09")}, weekly)

	monthly := gaps.PeriodEnds(days, models.FrequencyMonthly)
	assert.Equal(t, []time.Time{day("2024-01-31"), day("2024-02-09")}, monthly)
}

func TestDetectAllTotals(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := dbtest.New(t)
	seed(t, db, "000001.SZ", "2024-01-10")
	seed(t, db, "000002.SZ", "2024-01-03", "2024-01-04", "2024-01-05")

	d := gaps.NewDetector(db, market, nil, logger.Discard(), clockAt("2024-01-24"))
	sum, err := d.DetectAll(ctx, []string{"000001.SZ", "000002.SZ"}, []string{models.FrequencyDaily}, day("2024-01-01"), day("2024-01-24"))
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Symbols)
	assert.Equal(t, 2, sum.TotalGaps)
	assert.Equal(t, 4, sum.MissingDays)
	assert.Equal(t, 2, sum.ByFrequency[models.FrequencyDaily])
	assert.Equal(t, "000002.SZ", sum.Gaps[0].Symbol, "largest gap first")
}

func TestLoadSuspensions(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	path := filepath.Join(dir, "suspensions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
suspensions:
  - symbol: 000001.SZ
    start: 2024-01-08
    end: 2024-01-10
    reason: major asset restructuring
  - symbol: 600000.SS
    start: 2023-05-02
    end: 2023-05-02
`), 0o644))

	s, err := gaps.LoadSuspensions(path)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Suspended("000001.SZ", day("2024-01-09")))
	assert.False(t, s.Suspended("000001.SZ", day("2024-01-11")))
	assert.True(t, s.Covers("000001.SZ", day("2024-01-08"), day("2024-01-10")))
	assert.False(t, s.Covers("000001.SZ", day("2024-01-08"), day("2024-01-11")))

	empty, err := gaps.LoadSuspensions("")
	require.NoError(t, err)
	assert.Zero(t, empty.Len())

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
suspensions:
  - symbol: 000001.SZ
    start: 2024-01-10
    end: 2024-01-08
`), 0o644))
	_, err = gaps.LoadSuspensions(bad)
	assert.Error(t, err)
}

func newBackfiller(t *testing.T, db *database.Client, src sources.DataSource, s *gaps.Suspensions, max int) *gaps.Backfiller {
	t.Helper()
	return gaps.NewBackfiller(src, db, writer.New(db, logger.Discard()), quality.New(), s, max, logger.Discard())
}

func gap(symbol, start, end string, missing int) *models.GapInterval {
	return &models.GapInterval{
		Symbol: symbol, Frequency: models.FrequencyDaily,
		StartDate: day(start), EndDate: day(end), MissingDays: missing,
	}
}

func TestRepairCapsAttemptsAndSkipsImpossibleGaps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := dbtest.New(t)
	upsert(t, db, models.TableSecurities, &models.Security{Symbol: "300001.SZ", ListDate: day("2024-01-15")})

	src := sources.NewMemory("memory", market)
	for _, d := range weekdays(day("2024-01-01"), day("2024-01-24")) {
		src.AddBars(bar("000001.SZ", models.FrequencyDaily, d), bar("000002.SZ", models.FrequencyDaily, d))
	}

	s := gaps.NewSuspensions()
	s.Add("000003.SZ", gaps.Window{Start: day("2024-01-01"), End: day("2024-01-31")})

	b := newBackfiller(t, db, src, s, 2)
	res, err := b.Repair(ctx, []*models.GapInterval{
		gap("300001.SZ", "2024-01-02", "2024-01-05", 4),
		gap("000003.SZ", "2024-01-08", "2024-01-09", 2),
		gap("000001.SZ", "2024-01-10", "2024-01-11", 2),
		gap("000002.SZ", "2024-01-17", "2024-01-17", 1),
		gap("000001.SZ", "2024-01-22", "2024-01-22", 1),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 2, res.Repaired)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, 3, res.Records)
	assert.Equal(t, 2, src.Calls(sources.OpBars))

	dates, err := db.BarDates(ctx, "000001.SZ", models.FrequencyDaily, day("2024-01-01"), day("2024-01-31"))
	require.NoError(t, err)
	assert.Len(t, dates, 2)
}

func TestRepairReportsFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := dbtest.New(t)

	src := sources.NewMemory("memory", market)
	src.Fail(sources.OpBars, errors.New("upstream down"), 1)

	b := newBackfiller(t, db, src, nil, 10)
	res, err := b.Repair(ctx, []*models.GapInterval{
		gap("000001.SZ", "2024-01-10", "2024-01-11", 2),
		gap("000002.SZ", "2024-01-10", "2024-01-11", 2),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 2, res.Failed, "second gap has no data at the provider")
	assert.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "upstream down")
}

func TestRepairSettlesGapsAsTheBufferFlushes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := dbtest.New(t)

	src := sources.NewMemory("memory", market)
	for _, d := range weekdays(day("2024-01-01"), day("2024-01-24")) {
		src.AddBars(bar("000001.SZ", models.FrequencyDaily, d))
	}

	w := writer.New(db, logger.Discard(), writer.WithThreshold(2))
	b := gaps.NewBackfiller(src, db, w, quality.New(), nil, 10, logger.Discard())
	res, err := b.Repair(ctx, []*models.GapInterval{
		gap("000001.SZ", "2024-01-10", "2024-01-11", 2),
		gap("000001.SZ", "2024-01-17", "2024-01-17", 1),
		gap("000001.SZ", "2024-01-22", "2024-01-22", 1),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Repaired)
	assert.Equal(t, 4, res.Records)
	assert.Zero(t, w.Pending(models.TableBars))

	dates, err := db.BarDates(ctx, "000001.SZ", models.FrequencyDaily, day("2024-01-01"), day("2024-01-31"))
	require.NoError(t, err)
	assert.Len(t, dates, 4)
}
