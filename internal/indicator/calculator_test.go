package indicator_test

import (
	"math"
	"testing"
	"time"

	"github.com/market-sync/internal/indicator"
	"github.com/market-sync/pkg/logger"
	"github.com/market-sync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func series(closes ...float64) []*models.Bar {
	bars := make([]*models.Bar, len(closes))
	for i, c := range closes {
		bars[i] = &models.Bar{Symbol: "000001.SZ", Date: start.AddDate(0, 0, i), Frequency: models.FrequencyDaily, Close: c}
	}
	return bars
}

func flat(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func rising(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i + 1)
	}
	return out
}

func TestCalculateFlatSeries(t *testing.T) {
	t.Parallel()

	calc := indicator.NewCalculator(logger.Discard())
	bars := series(flat(30, 20)...)
	ind, ok := calc.Calculate("000001.SZ", bars[len(bars)-1].Date, bars)
	require.True(t, ok)

	assert.Equal(t, models.FrequencyDaily, ind.Frequency)
	assert.Equal(t, 30, ind.Bars)
	for _, ma := range []*float64{ind.MA5, ind.MA10, ind.MA20} {
		require.NotNil(t, ma)
		assert.InDelta(t, 20.0, *ma, 1e-9)
	}
	assert.Nil(t, ind.MA60)
	require.NotNil(t, ind.RSI)
	assert.InDelta(t, 50.0, *ind.RSI, 1e-9)
	require.NotNil(t, ind.MACDDif)
	assert.InDelta(t, 0, *ind.MACDDif, 1e-9)
	assert.InDelta(t, 0, *ind.MACDDea, 1e-9)
	assert.InDelta(t, 0, *ind.MACDHist, 1e-9)
	assert.InDelta(t, 20.0, *ind.BollUpper, 1e-9)
	assert.InDelta(t, 20.0, *ind.BollMiddle, 1e-9)
	assert.InDelta(t, 20.0, *ind.BollLower, 1e-9)
}

func TestCalculateRisingSeries(t *testing.T) {
	t.Parallel()

	calc := indicator.NewCalculator(logger.Discard())
	bars := series(rising(60)...)
	ind, ok := calc.Calculate("000001.SZ", bars[59].Date, bars)
	require.True(t, ok)

	assert.InDelta(t, 58.0, *ind.MA5, 1e-9)
	assert.InDelta(t, 55.5, *ind.MA10, 1e-9)
	assert.InDelta(t, 50.5, *ind.MA20, 1e-9)
	require.NotNil(t, ind.MA60)
	assert.InDelta(t, 30.5, *ind.MA60, 1e-9)
	assert.InDelta(t, 100.0, *ind.RSI, 1e-9)
	assert.Greater(t, *ind.MACDDif, 0.0)
	assert.InDelta(t, *ind.MACDDif-*ind.MACDDea, *ind.MACDHist, 1e-9)

	// 20 consecutive integers have a sample variance of 35
	width := 2 * math.Sqrt(35)
	assert.InDelta(t, 50.5+width, *ind.BollUpper, 1e-9)
	assert.InDelta(t, 50.5-width, *ind.BollLower, 1e-9)
}

func TestCalculateNeedsHistory(t *testing.T) {
	t.Parallel()

	calc := indicator.NewCalculator(logger.Discard())
	bars := series(rising(indicator.MinBars - 1)...)
	_, ok := calc.Calculate("000001.SZ", bars[len(bars)-1].Date, bars)
	assert.False(t, ok)

	// closes after the target date are ignored
	bars = series(rising(40)...)
	_, ok = calc.Calculate("000001.SZ", bars[10].Date, bars)
	assert.False(t, ok)

	ind, ok := calc.Calculate("000001.SZ", bars[24].Date, bars)
	require.True(t, ok)
	assert.Equal(t, 25, ind.Bars)
	assert.InDelta(t, 23.0, *ind.MA5, 1e-9)
	assert.Nil(t, ind.MACDDif, "MACD needs 26 closes")
}

func TestEMA(t *testing.T) {
	t.Parallel()

	got := indicator.EMA([]float64{1, 2, 3}, 3)
	require.Len(t, got, 3)
	assert.InDelta(t, 1.0, got[0], 1e-9)
	assert.InDelta(t, 5.0/3, got[1], 1e-9)
	assert.InDelta(t, 17.0/7, got[2], 1e-9)
}

func TestRSI(t *testing.T) {
	t.Parallel()

	closes := []float64{10}
	for i := 0; i < 10; i++ {
		closes = append(closes, closes[len(closes)-1]+2)
	}
	for i := 0; i < 4; i++ {
		closes = append(closes, closes[len(closes)-1]-1)
	}
	rsi := indicator.RSI(closes, 14)
	require.NotNil(t, rsi)
	assert.InDelta(t, 100-100.0/6, *rsi, 1e-9)

	assert.Nil(t, indicator.RSI(closes[:14], 14))
}
