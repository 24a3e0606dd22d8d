package sources_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/market-sync/internal/session"
	"github.com/market-sync/internal/sources"
	"github.com/market-sync/pkg/config"
	"github.com/market-sync/pkg/logger"
	"github.com/market-sync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	d, err := models.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestMemoryFetchBarsRange(t *testing.T) {
	t.Parallel()
	m := sources.NewMemory("memory", "CN")
	for _, d := range []string{"2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05"} {
		m.AddBars(&models.Bar{Symbol: "000001.SZ", Date: day(d), Frequency: models.FrequencyDaily, Close: 10})
	}

	bars, err := m.FetchBars(context.Background(), "000001.SZ", models.FrequencyDaily, day("2024-01-03"), day("2024-01-04"))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, day("2024-01-03"), bars[0].Date)
	assert.Equal(t, 1, m.Calls(sources.OpBars))

	bulk, err := m.FetchBarsBulk(context.Background(), []string{"000001.SZ", "000002.SZ"}, models.FrequencyDaily, day("2024-01-01"), day("2024-01-31"))
	require.NoError(t, err)
	assert.Len(t, bulk["000001.SZ"], 4)
	assert.NotContains(t, bulk, "000002.SZ")
}

func TestMemoryValuationWindow(t *testing.T) {
	t.Parallel()
	m := sources.NewMemory("memory", "CN")
	m.AddValuations(&models.Valuation{Symbol: "000001.SZ", Date: day("2024-01-19"), PE: models.Float(5)})

	v, err := m.FetchValuation(context.Background(), "000001.SZ", day("2024-01-24"))
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, day("2024-01-19"), v.Date)

	v, err = m.FetchValuation(context.Background(), "000001.SZ", day("2024-03-01"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMemoryFaultInjection(t *testing.T) {
	t.Parallel()
	m := sources.NewMemory("memory", "CN")
	boom := &models.ConnectionError{Op: "bars", Err: errors.New("reset")}
	m.Fail(sources.OpBars, boom, 2)

	ctx := context.Background()
	_, err := m.FetchBars(ctx, "000001.SZ", "1d", day("2024-01-01"), day("2024-01-02"))
	assert.ErrorIs(t, err, boom)
	_, err = m.FetchBars(ctx, "000001.SZ", "1d", day("2024-01-01"), day("2024-01-02"))
	assert.ErrorIs(t, err, boom)
	_, err = m.FetchBars(ctx, "000001.SZ", "1d", day("2024-01-01"), day("2024-01-02"))
	assert.NoError(t, err)
	assert.Equal(t, 3, m.Calls(sources.OpBars))
}

func TestSerializeNeverOverlaps(t *testing.T) {
	t.Parallel()
	m := sources.NewMemory("memory", "CN")
	m.SetLatency(2 * time.Millisecond)
	mgr := session.NewManager(m, &config.SessionConfig{IdleTimeout: time.Minute, AcquireTimeout: 5 * time.Second}, logger.Discard())
	src := sources.Serialize(m, mgr)

	_, isBulk := src.(sources.BulkSource)
	assert.True(t, isBulk)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := src.FetchBars(context.Background(), "000001.SZ", "1d", day("2024-01-01"), day("2024-01-31"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, m.PeakConcurrency())
	assert.Equal(t, 1, m.Calls(sources.OpConnect))
	assert.True(t, m.Connected())
}

func TestLoadCSV(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write(sources.BarsFile, "symbol,date,open,high,low,close,volume,amount\n"+
		"000001,2024/1/5,10,11,9.5,10.5,\"1,000\",1.2万\n")
	write(sources.FinancialsFile, "symbol,report_date,disclosure_date,revenue,net_profit,eps\n"+
		"000001.SZ,2023-12-31,20240315,1.5亿,--,1.2\n")
	write(sources.SecuritiesFile, "symbol,name,list_date,delist_date\n"+
		"600000,Pudong Bank,1999-11-10,\n000003,Gone,1991-01-02,2002-06-14\n")
	write(sources.CalendarFile, "date,is_trading\n2024-01-05,1\n2024-01-06,0\n")

	m, err := sources.LoadCSV(dir, "CN")
	require.NoError(t, err)
	ctx := context.Background()

	bars, err := m.FetchBars(ctx, "000001.SZ", models.FrequencyDaily, day("2024-01-01"), day("2024-01-31"))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 1000.0, bars[0].Volume)
	assert.Equal(t, 12000.0, bars[0].Amount)

	fs, err := m.FetchFundamentals(ctx, "000001.SZ", day("2023-12-31"))
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, models.ReportAnnual, fs[0].ReportType)
	assert.Equal(t, day("2024-03-15"), fs[0].DisclosureDate)
	assert.Nil(t, fs[0].NetProfit)
	require.NotNil(t, fs[0].Revenue)
	assert.Equal(t, 1.5e8, *fs[0].Revenue)

	secs, err := m.FetchSymbolDirectory(ctx, day("2024-01-24"))
	require.NoError(t, err)
	require.Len(t, secs, 2)
	assert.Equal(t, "600000.SS", secs[0].Symbol)
	assert.Equal(t, models.SecurityDelisted, secs[1].Status)

	days, err := m.FetchTradingCalendar(ctx, day("2024-01-01"), day("2024-01-31"))
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.True(t, days[0].IsTrading)
	assert.False(t, days[1].IsTrading)
}

func TestHTTPSource(t *testing.T) {
	t.Parallel()

	var logins atomic.Int32
	var failBars atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"token": "t0k"})
	})
	mux.HandleFunc("/bars", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t0k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if failBars.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":[
			{"symbol":"000001","date":"20240105","open":"10","high":11,"low":"9.5","close":"10.5","volume":"1,000"},
			{"symbol":"000001","date":"bad","open":"10","high":11,"low":"9.5","close":"10.5","volume":"1"}
		]}`))
	})
	mux.HandleFunc("/valuations", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"symbol":"000001.SZ","date":"2024-01-23","pe_ratio":"5.1","pb_ratio":null}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src := sources.NewHTTPSource(&config.SourceConfig{
		BaseURL: srv.URL, Username: "u", Password: "p", Timeout: 5 * time.Second,
	}, "CN", logger.Discard())
	ctx := context.Background()

	_, err := src.FetchBars(ctx, "000001.SZ", "1d", day("2024-01-01"), day("2024-01-31"))
	require.True(t, models.IsConnectionError(err), "request without login must be a connection error")

	require.NoError(t, src.Connect(ctx))
	bars, err := src.FetchBars(ctx, "000001.SZ", "1d", day("2024-01-01"), day("2024-01-31"))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, "000001.SZ", bars[0].Symbol)
	assert.Equal(t, models.FrequencyDaily, bars[0].Frequency)
	assert.Equal(t, 1000.0, bars[0].Volume)

	failBars.Store(true)
	_, err = src.FetchBars(ctx, "000001.SZ", "1d", day("2024-01-01"), day("2024-01-31"))
	assert.True(t, models.IsConnectionError(err))

	v, err := src.FetchValuation(ctx, "000001.SZ", day("2024-01-24"))
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Nil(t, v.PB)
	assert.InDelta(t, 5.1, *v.PE, 1e-9)
	assert.Equal(t, int32(1), logins.Load())
}
