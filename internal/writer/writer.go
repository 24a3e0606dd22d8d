package writer

import (
	"context"
	"database/sql"
	"sync"

	"github.com/market-sync/internal/database"
	"github.com/market-sync/internal/metrics"
	"github.com/market-sync/pkg/models"
	"github.com/sirupsen/logrus"
)

// Mirror receives records after they were committed to the store
type Mirror interface {
	Mirror(ctx context.Context, table string, records []models.Record) error
}

// tables are written in this order when a batch spans several of them
var tableOrder = []string{
	models.TableSecurities,
	models.TableCalendar,
	models.TableBars,
	models.TableFinancials,
	models.TableValuations,
	models.TableIndicators,
}

// BatchWriter buffers records per table and upserts them in bulk.
// A table is flushed when its buffer reaches the threshold or on demand.
type BatchWriter struct {
	store     *database.Client
	logger    *logrus.Entry
	threshold int
	mirrors   []Mirror

	mu      sync.Mutex
	buffers map[string][]models.Record
	written map[string]int
}

// Option configures a BatchWriter
type Option func(*BatchWriter)

// WithThreshold sets the per-table auto-flush size
func WithThreshold(n int) Option {
	return func(w *BatchWriter) {
		if n > 0 {
			w.threshold = n
		}
	}
}

// WithMirror adds a post-commit mirror
func WithMirror(m Mirror) Option {
	return func(w *BatchWriter) { w.mirrors = append(w.mirrors, m) }
}

// New creates a batch writer over store
func New(store *database.Client, logger *logrus.Logger, opts ...Option) *BatchWriter {
	w := &BatchWriter{
		store:     store,
		logger:    logger.WithField("component", "batch-writer"),
		threshold: 100,
		buffers:   make(map[string][]models.Record),
		written:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Add buffers records and flushes every table at or above the threshold.
// It returns the rows written by those flushes.
func (w *BatchWriter) Add(ctx context.Context, records ...models.Record) (map[string]int, error) {
	w.mu.Lock()
	touched := make(map[string]bool)
	for _, rec := range records {
		table := rec.TableName()
		w.buffers[table] = append(w.buffers[table], rec)
		touched[table] = true
	}
	var full []string
	for table := range touched {
		if len(w.buffers[table]) >= w.threshold {
			full = append(full, table)
		}
	}
	w.mu.Unlock()

	flushed := make(map[string]int)
	for _, table := range full {
		n, err := w.Flush(ctx, table)
		if err != nil {
			return flushed, err
		}
		flushed[table] = n
	}
	return flushed, nil
}

// Flush writes the buffered records of one table in a single transaction.
// On failure the records are put back in front of the buffer.
func (w *BatchWriter) Flush(ctx context.Context, table string) (int, error) {
	w.mu.Lock()
	batch := w.buffers[table]
	if len(batch) == 0 {
		w.mu.Unlock()
		return 0, nil
	}
	delete(w.buffers, table)
	w.mu.Unlock()

	var n int
	err := w.store.ExecTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = w.store.UpsertBulk(ctx, tx, table, batch)
		return err
	})
	if err != nil {
		w.mu.Lock()
		w.buffers[table] = append(batch, w.buffers[table]...)
		w.mu.Unlock()

		metrics.FlushErrors.WithLabelValues(table).Inc()
		w.logger.WithError(err).WithFields(logrus.Fields{
			"table":   table,
			"records": len(batch),
		}).Error("Failed to flush batch")
		return 0, &models.TransactionError{Op: "flush " + table, Err: err}
	}

	w.committed(ctx, table, batch, n)
	return n, nil
}

// FlushAll flushes every table with buffered records. It keeps going after
// a failure and returns the first error.
func (w *BatchWriter) FlushAll(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	var firstErr error
	for _, table := range w.bufferedTables() {
		n, err := w.Flush(ctx, table)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		counts[table] = n
	}
	return counts, firstErr
}

// Pending returns the number of buffered records for table
func (w *BatchWriter) Pending(table string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffers[table])
}

// Written returns rows applied per table since creation
func (w *BatchWriter) Written() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int, len(w.written))
	for k, v := range w.written {
		out[k] = v
	}
	return out
}

// WriteTx upserts records inside a caller-owned transaction, grouped by
// table. Mirrors are not called; see Committed.
func (w *BatchWriter) WriteTx(ctx context.Context, tx *sql.Tx, records []models.Record) (map[string]int, error) {
	counts := make(map[string]int)
	for _, group := range groupByTable(records) {
		n, err := w.store.UpsertBulk(ctx, tx, group.table, group.records)
		if err != nil {
			return nil, err
		}
		counts[group.table] = n
	}
	return counts, nil
}

// Committed reports records written through WriteTx after their
// transaction committed, updating counters and mirrors
func (w *BatchWriter) Committed(ctx context.Context, records []models.Record, counts map[string]int) {
	for _, group := range groupByTable(records) {
		w.committed(ctx, group.table, group.records, counts[group.table])
	}
}

func (w *BatchWriter) committed(ctx context.Context, table string, batch []models.Record, n int) {
	w.mu.Lock()
	w.written[table] += n
	w.mu.Unlock()
	metrics.RecordsWritten.WithLabelValues(table).Add(float64(n))

	for _, m := range w.mirrors {
		if err := m.Mirror(ctx, table, batch); err != nil {
			w.logger.WithError(err).WithField("table", table).Warn("Mirror write failed")
		}
	}
	w.logger.WithFields(logrus.Fields{"table": table, "rows": n}).Debug("Batch written")
}

func (w *BatchWriter) bufferedTables() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	seen := make(map[string]bool)
	for _, t := range tableOrder {
		if len(w.buffers[t]) > 0 {
			out = append(out, t)
			seen[t] = true
		}
	}
	for t, recs := range w.buffers {
		if !seen[t] && len(recs) > 0 {
			out = append(out, t)
		}
	}
	return out
}

type tableGroup struct {
	table   string
	records []models.Record
}

func groupByTable(records []models.Record) []tableGroup {
	byTable := make(map[string][]models.Record)
	var extra []string
	for _, rec := range records {
		t := rec.TableName()
		if _, ok := byTable[t]; !ok && !known(t) {
			extra = append(extra, t)
		}
		byTable[t] = append(byTable[t], rec)
	}

	groups := make([]tableGroup, 0, len(byTable))
	for _, t := range append(append([]string{}, tableOrder...), extra...) {
		if recs := byTable[t]; len(recs) > 0 {
			groups = append(groups, tableGroup{table: t, records: recs})
		}
	}
	return groups
}

func known(table string) bool {
	for _, t := range tableOrder {
		if t == table {
			return true
		}
	}
	return false
}
