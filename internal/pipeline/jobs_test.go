package pipeline_test

import (
	"context"
	"testing"

	"github.com/market-sync/internal/indicator"
	"github.com/market-sync/internal/pipeline"
	"github.com/market-sync/internal/sources"
	"github.com/market-sync/pkg/logger"
	"github.com/market-sync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func annual(symbol, period, disclosed string, eps, bps float64) *models.Financial {
	return &models.Financial{
		Symbol: symbol, ReportDate: day(period), ReportType: models.ReportAnnual,
		DisclosureDate: day(disclosed),
		Revenue:        models.Float(1e9), NetProfit: models.Float(1e8),
		EPS: models.Float(eps), BPS: models.Float(bps),
	}
}

func TestBarsJobFirstSyncStartsAtListing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, pipeline.Config{Workers: 1, ForceMode: pipeline.ModeSerial})

	syms := []string{"301001.SZ"}
	src := seededSource(syms)
	e.upsert(t, models.TableSecurities, &models.Security{Symbol: syms[0], ListDate: day("2024-01-15")})

	job := pipeline.NewBarsJob(src, e.db, models.FrequencyDaily, target, 365)
	res, err := e.pipe.Run(ctx, job, e.state.BarCheckpoint(models.FrequencyDaily, target, "s"), syms, 1)
	require.NoError(t, err)

	// 2024-01-15 .. 2024-01-24 holds 8 weekdays
	assert.Equal(t, 8, res.Records)
	first, err := e.db.Bars(ctx, syms[0], models.FrequencyDaily, day("2000-01-01"), target)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	assert.Equal(t, "2024-01-15", models.FormatDate(first[0].Date))
}

func TestBarsJobSkipsFetchWhenUpToDate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, pipeline.Config{Workers: 1, ForceMode: pipeline.ModeSerial})

	syms := []string{"000001.SZ"}
	src := seededSource(syms)
	e.upsert(t, models.TableBars, bar(syms[0], target, 10))

	job := pipeline.NewBarsJob(src, e.db, models.FrequencyDaily, target, 365)
	res, err := e.pipe.Run(ctx, job, e.state.BarCheckpoint(models.FrequencyDaily, target, "s"), syms, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Completed)
	assert.Zero(t, res.Records)
	assert.Zero(t, src.Calls(sources.OpBars))
}

func TestExtendedJobDerivesRatiosFromDisclosedFinancials(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, mode := range []pipeline.Mode{pipeline.ModeSerial, pipeline.ModeBatch} {
		e := newEnv(t, pipeline.Config{Workers: 1, ForceMode: mode})
		sym := "600000.SS"

		src := sources.NewMemory("memory", "CN")
		src.AddFinancials(
			annual(sym, "2022-12-31", "2023-03-20", 2, 10),
			// period ended before the target but only disclosed after it
			annual(sym, "2023-12-31", "2024-03-15", 5, 20),
		)
		src.AddValuations(&models.Valuation{Symbol: sym, Date: target, PS: models.Float(1.5)})
		e.upsert(t, models.TableBars, bar(sym, day("2024-01-23"), 20))

		job := pipeline.NewExtendedJob(src, e.state, nil, target)
		res, err := e.pipe.Run(ctx, job, e.state.TargetCheckpoint(target, "s", models.SyncTypeExtended), []string{sym}, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Completed, mode)
		assert.Equal(t, 3, res.Records, mode)

		vals, err := e.db.Valuations(ctx, sym, target, target)
		require.NoError(t, err)
		require.Len(t, vals, 1)
		require.NotNil(t, vals[0].PE)
		require.NotNil(t, vals[0].PB)
		assert.InDelta(t, 10.0, *vals[0].PE, 1e-9, mode)
		assert.InDelta(t, 2.0, *vals[0].PB, 1e-9, mode)
	}
}

func TestExtendedJobMissingKinds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, pipeline.Config{Workers: 2, ForceMode: pipeline.ModeSerial})

	src := sources.NewMemory("memory", "CN")
	src.AddFinancials(annual("000001.SZ", "2022-12-31", "2023-03-20", 1, 8))

	job := pipeline.NewExtendedJob(src, e.state, nil, target)
	res, err := e.pipe.Run(ctx, job, e.state.TargetCheckpoint(target, "s", models.SyncTypeExtended),
		[]string{"000001.SZ", "000002.SZ"}, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Partial)
	assert.Equal(t, 1, res.Failed)

	rec, err := e.state.Get(ctx, "000001.SZ", target)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, rec.Status)
	assert.Equal(t, 1, rec.RecordsCount)

	rec, err = e.state.Get(ctx, "000002.SZ", target)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
}

func TestExtendedJobSkipsKindsAlreadyStored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, pipeline.Config{Workers: 1, ForceMode: pipeline.ModeSerial})
	sym := "000001.SZ"

	f := annual(sym, "2022-12-31", "2023-03-20", 1, 8)
	f.Source = "test"
	e.upsert(t, models.TableFinancials, f)
	e.upsert(t, models.TableValuations, &models.Valuation{Symbol: sym, Date: day("2024-01-19"), PE: models.Float(9), Source: "test"})

	src := sources.NewMemory("memory", "CN")
	job := pipeline.NewExtendedJob(src, e.state, nil, target)
	res, err := e.pipe.Run(ctx, job, e.state.TargetCheckpoint(target, "s", models.SyncTypeExtended), []string{sym}, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Completed)
	assert.Zero(t, src.Calls(sources.OpFundamentals))
	assert.Zero(t, src.Calls(sources.OpValuation))
}

func TestExtendedJobComputesIndicatorsFromStoredCloses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, pipeline.Config{Workers: 1, ForceMode: pipeline.ModeSerial})
	calc := indicator.NewCalculator(logger.Discard())

	long, short := "000001.SZ", "000002.SZ"
	var history []models.Record
	for i := 0; i < 30; i++ {
		history = append(history, bar(long, target.AddDate(0, 0, i-29), 10))
	}
	e.upsert(t, models.TableBars, history...)
	e.upsert(t, models.TableBars, bar(short, target, 10))

	src := sources.NewMemory("memory", "CN")
	src.AddValuations(
		&models.Valuation{Symbol: long, Date: target, PS: models.Float(1)},
		&models.Valuation{Symbol: short, Date: target, PS: models.Float(1)},
	)

	job := pipeline.NewExtendedJob(src, e.state, calc, target)
	res, err := e.pipe.Run(ctx, job, e.state.TargetCheckpoint(target, "s", models.SyncTypeExtended), []string{long, short}, 2)
	require.NoError(t, err)
	// financials are missing for both; the short history adds no indicator row
	assert.Equal(t, 2, res.Partial)
	assert.Equal(t, 3, res.Records)

	inds, err := e.db.Indicators(ctx, long, models.FrequencyDaily, target, target)
	require.NoError(t, err)
	require.Len(t, inds, 1)
	assert.Equal(t, 30, inds[0].Bars)
	require.NotNil(t, inds[0].MA20)
	assert.InDelta(t, 10.0, *inds[0].MA20, 1e-9)
	assert.Nil(t, inds[0].MA60)
	require.NotNil(t, inds[0].RSI)
	assert.InDelta(t, 50.0, *inds[0].RSI, 1e-9)

	inds, err = e.db.Indicators(ctx, short, models.FrequencyDaily, target, target)
	require.NoError(t, err)
	assert.Empty(t, inds)

	comp, err := e.state.Completeness(ctx, long, target)
	require.NoError(t, err)
	assert.True(t, comp.Indicators)
	assert.False(t, comp.Complete())
}
