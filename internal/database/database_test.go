package database_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/market-sync/internal/database"
	"github.com/market-sync/internal/database/dbtest"
	"github.com/market-sync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(s string) time.Time {
	d, err := models.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func bar(symbol, day string, closePrice float64) *models.Bar {
	return &models.Bar{
		Symbol: symbol, Date: date(day), Frequency: models.FrequencyDaily,
		Open: closePrice, High: closePrice + 1, Low: closePrice - 1, Close: closePrice,
		Volume: 1000, Source: "test", QualityScore: 100,
	}
}

func upsert(t *testing.T, c *database.Client, table string, records ...models.Record) int {
	t.Helper()
	var n int
	err := c.ExecTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		n, err = c.UpsertBulk(context.Background(), tx, table, records)
		return err
	})
	require.NoError(t, err)
	return n
}

func TestDialectUpsertStatements(t *testing.T) {
	t.Parallel()

	cols := []string{"symbol", "date", "close"}
	key := []string{"symbol", "date"}
	update := []string{"close"}

	tests := []struct {
		name    string
		dialect database.Dialect
		want    string
	}{
		{
			name:    "mysql",
			dialect: database.MySQL,
			want:    "INSERT INTO bars (symbol, date, close) VALUES (?, ?, ?), (?, ?, ?) ON DUPLICATE KEY UPDATE close = VALUES(close)",
		},
		{
			name:    "sqlite",
			dialect: database.SQLite,
			want:    "INSERT INTO bars (symbol, date, close) VALUES (?, ?, ?), (?, ?, ?) ON CONFLICT (symbol, date) DO UPDATE SET close = excluded.close",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.dialect.BuildUpsert("bars", cols, key, update, 2))
		})
	}
}

func TestUpsertBulkIsIdempotent(t *testing.T) {
	t.Parallel()
	c := dbtest.New(t)
	ctx := context.Background()

	records := []models.Record{
		bar("000001.SZ", "2024-01-02", 10),
		bar("000001.SZ", "2024-01-03", 11),
		bar("000002.SZ", "2024-01-02", 20),
	}

	assert.Equal(t, 3, upsert(t, c, models.TableBars, records...))
	assert.Equal(t, 3, upsert(t, c, models.TableBars, records...))

	n, err := c.CountRows(ctx, models.TableBars)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestUpsertBulkCollapsesDuplicateKeys(t *testing.T) {
	t.Parallel()
	c := dbtest.New(t)
	ctx := context.Background()

	n := upsert(t, c, models.TableBars,
		bar("000001.SZ", "2024-01-02", 10),
		bar("000001.SZ", "2024-01-02", 12),
	)
	assert.Equal(t, 1, n)

	bars, err := c.Bars(ctx, "000001.SZ", models.FrequencyDaily, date("2024-01-01"), date("2024-01-31"))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 12.0, bars[0].Close)
	assert.Equal(t, date("2024-01-02"), bars[0].Date)
}

func TestUpsertBulkRollsBackWithTransaction(t *testing.T) {
	t.Parallel()
	c := dbtest.New(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := c.ExecTx(ctx, func(tx *sql.Tx) error {
		if _, err := c.UpsertBulk(ctx, tx, models.TableBars, []models.Record{bar("000001.SZ", "2024-01-02", 10)}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := c.CountRows(ctx, models.TableBars)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpsertBulkUnknownTable(t *testing.T) {
	t.Parallel()
	c := dbtest.New(t)

	_, err := c.UpsertBulk(context.Background(), c.DB(), "nope", []models.Record{bar("A", "2024-01-02", 1)})
	assert.Error(t, err)
}

func TestBarQueries(t *testing.T) {
	t.Parallel()
	c := dbtest.New(t)
	ctx := context.Background()

	upsert(t, c, models.TableBars,
		bar("000001.SZ", "2024-01-02", 10),
		bar("000001.SZ", "2024-01-05", 11),
		bar("000002.SZ", "2024-01-03", 20),
	)

	last, ok, err := c.LastBarDate(ctx, "000001.SZ", models.FrequencyDaily)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, date("2024-01-05"), last)

	_, ok, err = c.LastBarDate(ctx, "600000.SS", models.FrequencyDaily)
	require.NoError(t, err)
	assert.False(t, ok)

	lasts, err := c.LastBarDates(ctx, []string{"000001.SZ", "000002.SZ", "600000.SS"}, models.FrequencyDaily)
	require.NoError(t, err)
	assert.Equal(t, map[string]time.Time{
		"000001.SZ": date("2024-01-05"),
		"000002.SZ": date("2024-01-03"),
	}, lasts)

	dates, err := c.BarDates(ctx, "000001.SZ", models.FrequencyDaily, date("2024-01-03"), date("2024-01-31"))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{date("2024-01-05")}, dates)

	closePrice, ok, err := c.CloseOnOrBefore(ctx, "000001.SZ", date("2024-01-04"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10.0, closePrice)
}

func TestCalendarQueries(t *testing.T) {
	t.Parallel()
	c := dbtest.New(t)
	ctx := context.Background()

	upsert(t, c, models.TableCalendar,
		&models.TradingDay{Date: date("2023-12-29"), Market: "CN", IsTrading: true},
		&models.TradingDay{Date: date("2024-01-01"), Market: "CN", IsTrading: false},
		&models.TradingDay{Date: date("2024-01-02"), Market: "CN", IsTrading: true},
		&models.TradingDay{Date: date("2024-01-03"), Market: "CN", IsTrading: true},
	)

	counts, err := c.CalendarYearCounts(ctx, "CN", 2023, 2025)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{2023: 1, 2024: 3}, counts)

	days, err := c.TradingDays(ctx, "CN", date("2023-12-01"), date("2024-01-02"))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{date("2023-12-29"), date("2024-01-02")}, days)

	latest, ok, err := c.LatestTradingDay(ctx, "CN", date("2024-01-01"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, date("2023-12-29"), latest)
}

func TestSecuritiesAndMeta(t *testing.T) {
	t.Parallel()
	c := dbtest.New(t)
	ctx := context.Background()

	delisted := date("2020-06-30")
	upsert(t, c, models.TableSecurities,
		&models.Security{Symbol: "000001.SZ", Name: "Ping An Bank", Market: "SZ", ListDate: date("1991-04-03")},
		&models.Security{Symbol: "000003.SZ", Name: "Gone", Market: "SZ", ListDate: date("1991-01-01"), DelistDate: &delisted, Status: models.SecurityDelisted},
	)

	active, err := c.ActiveSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"000001.SZ"}, active)

	sec, err := c.Security(ctx, "000003.SZ")
	require.NoError(t, err)
	require.NotNil(t, sec)
	require.NotNil(t, sec.DelistDate)
	assert.Equal(t, delisted, *sec.DelistDate)

	missing, err := c.Security(ctx, "999999.SZ")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, ok, err := c.GetMeta(ctx, "directory_refreshed")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetMeta(ctx, "directory_refreshed", "2024-01-24"))
	require.NoError(t, c.SetMeta(ctx, "directory_refreshed", "2024-01-25"))
	v, ok, err := c.GetMeta(ctx, "directory_refreshed")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2024-01-25", v)
}

func TestFinancialsDisclosedBy(t *testing.T) {
	t.Parallel()
	c := dbtest.New(t)
	ctx := context.Background()

	upsert(t, c, models.TableFinancials,
		&models.Financial{Symbol: "000001.SZ", ReportDate: date("2022-12-31"), ReportType: models.ReportAnnual,
			DisclosureDate: date("2023-03-10"), EPS: models.Float(2.0), Source: "test"},
		&models.Financial{Symbol: "000001.SZ", ReportDate: date("2023-12-31"), ReportType: models.ReportAnnual,
			DisclosureDate: date("2024-03-15"), EPS: models.Float(2.5), Source: "test"},
	)

	fins, err := c.FinancialsDisclosedBy(ctx, "000001.SZ", date("2024-03-14"))
	require.NoError(t, err)
	require.Len(t, fins, 1)
	assert.Equal(t, date("2022-12-31"), fins[0].ReportDate)
	require.NotNil(t, fins[0].EPS)
	assert.Equal(t, 2.0, *fins[0].EPS)
	assert.Nil(t, fins[0].Revenue)

	ok, err := c.HasAnnualFinancial(ctx, "000001.SZ", []time.Time{date("2023-12-31"), date("2022-12-31")})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMigrateIsRepeatable(t *testing.T) {
	t.Parallel()
	c := dbtest.New(t)
	ctx := context.Background()

	applied, err := c.Migrate(ctx)
	require.NoError(t, err)
	assert.Empty(t, applied)

	status, err := c.MigrationStatus(ctx)
	require.NoError(t, err)
	require.Len(t, status, 2)
	for _, m := range status {
		assert.True(t, m.Applied, m.Name)
	}
	assert.Contains(t, database.TableNames(), models.TableIndicators)
}
