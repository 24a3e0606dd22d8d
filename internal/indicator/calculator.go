package indicator

import (
	"math"
	"time"

	"github.com/market-sync/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	// MinBars is the shortest daily history indicators are computed from
	MinBars = 20
	// LookbackDays is the calendar window of closes loaded per symbol
	LookbackDays = 100

	rsiPeriod  = 14
	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9
	bollPeriod = 20
	bollWidth  = 2
)

var maPeriods = []int{5, 10, 20, 60}

// Calculator derives moving averages, RSI, MACD and Bollinger bands from a
// symbol's daily closes
type Calculator struct {
	logger *logrus.Entry
	now    func() time.Time
}

// NewCalculator creates a calculator
func NewCalculator(logger *logrus.Logger) *Calculator {
	return &Calculator{
		logger: logger.WithField("component", "indicator"),
		now:    time.Now,
	}
}

// Calculate computes the indicators of symbol as of date from bars ordered
// by date. It reports false when the history is shorter than MinBars.
func (c *Calculator) Calculate(symbol string, date time.Time, bars []*models.Bar) (*models.Indicator, bool) {
	closes := make([]float64, 0, len(bars))
	for _, b := range bars {
		if b.Date.After(date) {
			break
		}
		closes = append(closes, b.Close)
	}
	if len(closes) < MinBars {
		c.logger.WithFields(logrus.Fields{
			"symbol": symbol,
			"bars":   len(closes),
		}).Debug("Not enough history for indicators")
		return nil, false
	}

	ind := &models.Indicator{
		Symbol:       symbol,
		Date:         models.DateOf(date),
		Frequency:    models.FrequencyDaily,
		Bars:         len(closes),
		CalculatedAt: c.now(),
	}

	mas := make([]*float64, len(maPeriods))
	for i, p := range maPeriods {
		mas[i] = SMA(closes, p)
	}
	ind.MA5, ind.MA10, ind.MA20, ind.MA60 = mas[0], mas[1], mas[2], mas[3]

	ind.RSI = RSI(closes, rsiPeriod)
	ind.MACDDif, ind.MACDDea, ind.MACDHist = MACD(closes)
	ind.BollUpper, ind.BollMiddle, ind.BollLower = Bollinger(closes, bollPeriod, bollWidth)
	return ind, true
}

// SMA is the mean of the last period closes, nil when there are fewer
func SMA(closes []float64, period int) *float64 {
	if period <= 0 || len(closes) < period {
		return nil
	}
	var sum float64
	for _, v := range closes[len(closes)-period:] {
		sum += v
	}
	return models.Float(sum / float64(period))
}

// EMA returns the exponential moving average series with alpha 2/(span+1),
// weighting each point against all earlier ones rather than seeding with the
// first value
func EMA(values []float64, span int) []float64 {
	out := make([]float64, len(values))
	alpha := 2 / (float64(span) + 1)
	var num, den float64
	for i, v := range values {
		num = v + (1-alpha)*num
		den = 1 + (1-alpha)*den
		out[i] = num / den
	}
	return out
}

// MACD returns the DIF line, its signal line and the histogram at the last
// close. All three are nil with fewer than 26 closes.
func MACD(closes []float64) (dif, dea, hist *float64) {
	if len(closes) < macdSlow {
		return nil, nil, nil
	}
	fast := EMA(closes, macdFast)
	slow := EMA(closes, macdSlow)
	line := make([]float64, len(closes))
	for i := range closes {
		line[i] = fast[i] - slow[i]
	}
	signal := EMA(line, macdSignal)

	last := len(closes) - 1
	return models.Float(line[last]), models.Float(signal[last]), models.Float(line[last] - signal[last])
}

// RSI uses simple averages of gains and losses over period. A flat window
// reads 50 and a window with no losses reads 100.
func RSI(closes []float64, period int) *float64 {
	if len(closes) < period+1 {
		return nil
	}
	var gain, loss float64
	window := closes[len(closes)-period-1:]
	for i := 1; i < len(window); i++ {
		d := window[i] - window[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(period)
	loss /= float64(period)

	switch {
	case gain == 0 && loss == 0:
		return models.Float(50)
	case loss == 0:
		return models.Float(100)
	}
	rs := gain / loss
	return models.Float(100 - 100/(1+rs))
}

// Bollinger returns the upper, middle and lower bands from the sample
// standard deviation of the last period closes
func Bollinger(closes []float64, period int, width float64) (upper, middle, lower *float64) {
	if period < 2 || len(closes) < period {
		return nil, nil, nil
	}
	window := closes[len(closes)-period:]
	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / float64(period)

	var sq float64
	for _, v := range window {
		sq += (v - mean) * (v - mean)
	}
	std := math.Sqrt(sq / float64(period-1))
	return models.Float(mean + width*std), models.Float(mean), models.Float(mean - width*std)
}
