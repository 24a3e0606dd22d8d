package writer_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/market-sync/internal/database/dbtest"
	"github.com/market-sync/internal/writer"
	"github.com/market-sync/pkg/logger"
	"github.com/market-sync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bars(symbol string, n int) []models.Record {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &models.Bar{
			Symbol: symbol, Date: start.AddDate(0, 0, i), Frequency: models.FrequencyDaily,
			Open: 10, High: 11, Low: 9, Close: 10, Volume: 100, Source: "test",
		})
	}
	return out
}

type orphan struct{}

func (orphan) TableName() string { return "orphans" }
func (orphan) Values() []any     { return []any{1} }

type recordingMirror struct {
	mu     sync.Mutex
	tables map[string]int
}

func (m *recordingMirror) Mirror(_ context.Context, table string, records []models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tables == nil {
		m.tables = make(map[string]int)
	}
	m.tables[table] += len(records)
	return nil
}

func TestAutoFlushAtThreshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := dbtest.New(t)
	mirror := &recordingMirror{}
	w := writer.New(store, logger.Discard(), writer.WithThreshold(10), writer.WithMirror(mirror))

	flushed, err := w.Add(ctx, bars("000001.SZ", 9)...)
	require.NoError(t, err)
	assert.Empty(t, flushed)
	assert.Equal(t, 9, w.Pending(models.TableBars))
	n, err := store.CountRows(ctx, models.TableBars)
	require.NoError(t, err)
	assert.Zero(t, n)

	flushed, err = w.Add(ctx, bars("000002.SZ", 1)...)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{models.TableBars: 10}, flushed)
	assert.Zero(t, w.Pending(models.TableBars))
	n, err = store.CountRows(ctx, models.TableBars)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, 10, mirror.tables[models.TableBars])
	assert.Equal(t, 10, w.Written()[models.TableBars])
}

func TestFlushAllWritesEveryTable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := dbtest.New(t)
	w := writer.New(store, logger.Discard())

	records := append(bars("000001.SZ", 3), &models.Valuation{
		Symbol: "000001.SZ", Date: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), PE: models.Float(6),
	})
	_, err := w.Add(ctx, records...)
	require.NoError(t, err)

	counts, err := w.FlushAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{models.TableBars: 3, models.TableValuations: 1}, counts)

	counts, err = w.FlushAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestFailedFlushKeepsRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := writer.New(dbtest.New(t), logger.Discard())

	_, err := w.Add(ctx, orphan{}, orphan{})
	require.NoError(t, err)
	_, err = w.Flush(ctx, "orphans")
	require.Error(t, err)
	assert.True(t, models.IsTransactionError(err))
	assert.Equal(t, 2, w.Pending("orphans"))
}

func TestAutoFlushRetriesAfterFailedFlush(t *testing.T) {
	t.Parallel()
	store := dbtest.New(t)
	w := writer.New(store, logger.Discard(), writer.WithThreshold(10))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Add(cancelled, bars("000001.SZ", 10)...)
	require.Error(t, err)
	assert.Equal(t, 10, w.Pending(models.TableBars))

	// the buffer is already past the threshold, so the next add flushes it
	ctx := context.Background()
	flushed, err := w.Add(ctx, bars("000002.SZ", 1)...)
	require.NoError(t, err)
	assert.Equal(t, 11, flushed[models.TableBars])
	assert.Zero(t, w.Pending(models.TableBars))

	n, err := store.CountRows(ctx, models.TableBars)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
}

func TestWriteTxRollsBackWithCaller(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := dbtest.New(t)
	w := writer.New(store, logger.Discard())

	boom := errors.New("boom")
	err := store.ExecTx(ctx, func(tx *sql.Tx) error {
		counts, err := w.WriteTx(ctx, tx, bars("000001.SZ", 5))
		require.NoError(t, err)
		assert.Equal(t, 5, counts[models.TableBars])
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := store.CountRows(ctx, models.TableBars)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFlushIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := dbtest.New(t)
	w := writer.New(store, logger.Discard())

	for i := 0; i < 2; i++ {
		_, err := w.Add(ctx, bars("000001.SZ", 4)...)
		require.NoError(t, err)
		n, err := w.Flush(ctx, models.TableBars)
		require.NoError(t, err, fmt.Sprintf("pass %d", i))
		assert.Equal(t, 4, n)
	}

	n, err := store.CountRows(ctx, models.TableBars)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
