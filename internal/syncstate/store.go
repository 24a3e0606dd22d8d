// Package syncstate persists sync checkpoints: per-symbol status records,
// per-frequency bar progress, run sessions and phase outcomes.
package syncstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/market-sync/internal/database"
	"github.com/market-sync/pkg/models"
	"github.com/sirupsen/logrus"
)

// DefaultStaleAfter is how long a processing record may sit untouched
// before it is reclaimed
const DefaultStaleAfter = 24 * time.Hour

// valuationWindow is the distance from the target date within which a
// stored valuation counts as present
const valuationWindow = 10

const inChunk = 500

// Store is the SyncStateStore
type Store struct {
	db         *database.Client
	logger     *logrus.Entry
	now        func() time.Time
	staleAfter time.Duration
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the clock used for timestamps and staleness
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithStaleAfter sets the processing reclaim age
func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// New creates a state store over db
func New(db *database.Client, logger *logrus.Logger, opts ...Option) *Store {
	s := &Store{
		db:         db,
		logger:     logger.WithField("component", "sync-state"),
		now:        time.Now,
		staleAfter: DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying store
func (s *Store) DB() *database.Client {
	return s.db
}

// Now returns the store clock reading
func (s *Store) Now() time.Time {
	return s.now()
}

func scanRecord(scan func(dest ...any) error) (*models.SyncStatusRecord, error) {
	var rec models.SyncStatusRecord
	var status string
	err := scan(&rec.Symbol, database.TimeScanner(&rec.TargetDate), &rec.SyncType, &status,
		&rec.RecordsCount, &rec.SessionID,
		database.TimeScanner(&rec.CreatedAt), database.TimeScanner(&rec.UpdatedAt))
	if err != nil {
		return nil, err
	}
	if rec.Status, err = models.ParseSyncStatus(status); err != nil {
		return nil, err
	}
	return &rec, nil
}

const recordColumns = "symbol, target_date, sync_type, status, records_count, session_id, created_at, updated_at"

func (s *Store) get(ctx context.Context, q database.Querier, symbol string, target time.Time) (*models.SyncStatusRecord, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM sync_status WHERE symbol = ? AND target_date = ?",
		symbol, database.DateArg(target))
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync status for %s: %w", symbol, err)
	}
	return rec, nil
}

// Get returns the record for (symbol, target), or nil
func (s *Store) Get(ctx context.Context, symbol string, target time.Time) (*models.SyncStatusRecord, error) {
	return s.get(ctx, s.db.DB(), symbol, target)
}

// Upsert writes rec in its own transaction
func (s *Store) Upsert(ctx context.Context, rec *models.SyncStatusRecord) error {
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		return s.UpsertTx(ctx, tx, rec)
	})
}

// UpsertTx writes rec inside q. The status change is checked against the
// stored status; an illegal edge returns models.ErrInvalidTransition.
func (s *Store) UpsertTx(ctx context.Context, q database.Querier, rec *models.SyncStatusRecord) error {
	current, err := s.get(ctx, q, rec.Symbol, rec.TargetDate)
	if err != nil {
		return err
	}
	var from models.SyncStatus
	if current != nil {
		from = current.Status
	}
	if _, err := models.Transition(from, rec.Status); err != nil {
		return fmt.Errorf("%s@%s: %w", rec.Symbol, models.FormatDate(rec.TargetDate), err)
	}

	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
		if current != nil {
			rec.CreatedAt = current.CreatedAt
		}
	}
	rec.UpdatedAt = now
	if rec.SyncType == "" {
		rec.SyncType = models.SyncTypeExtended
	}

	query := s.db.Dialect().BuildUpsert("sync_status",
		[]string{"symbol", "target_date", "sync_type", "status", "records_count", "session_id", "created_at", "updated_at"},
		[]string{"symbol", "target_date"},
		[]string{"sync_type", "status", "records_count", "session_id", "updated_at"}, 1)
	_, err = q.ExecContext(ctx, query,
		rec.Symbol, database.DateArg(rec.TargetDate), rec.SyncType, string(rec.Status),
		rec.RecordsCount, rec.SessionID,
		database.TimestampArg(rec.CreatedAt), database.TimestampArg(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert sync status for %s: %w", rec.Symbol, err)
	}
	return nil
}

// ReclaimStale moves processing records untouched for longer than the
// stale age back to pending. It returns the number of rows reclaimed.
func (s *Store) ReclaimStale(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := database.TimestampArg(now.Add(-s.staleAfter))

	var total int
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"sync_status", "bar_sync_status"} {
			res, err := tx.ExecContext(ctx,
				"UPDATE "+table+" SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?",
				string(models.StatusPending), database.TimestampArg(now), string(models.StatusProcessing), cutoff)
			if err != nil {
				return fmt.Errorf("failed to reclaim stale %s rows: %w", table, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if total > 0 {
		s.logger.WithField("reclaimed", total).Warn("Reclaimed stale processing records")
	}
	return total, nil
}

// Outstanding reclaims stale records, then returns the symbols, in input
// order, that have no completed record for target
func (s *Store) Outstanding(ctx context.Context, symbols []string, target time.Time) ([]string, error) {
	if _, err := s.ReclaimStale(ctx); err != nil {
		return nil, err
	}

	completed := make(map[string]bool, len(symbols))
	for _, chunk := range database.ChunkStrings(symbols, inChunk) {
		args := []any{database.DateArg(target), string(models.StatusCompleted)}
		for _, sym := range chunk {
			args = append(args, sym)
		}
		query := fmt.Sprintf(
			"SELECT symbol FROM sync_status WHERE target_date = ? AND status = ? AND symbol IN (%s)",
			database.Placeholders(len(chunk)))

		rows, err := s.db.DB().QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query completed symbols: %w", err)
		}
		for rows.Next() {
			var sym string
			if err := rows.Scan(&sym); err != nil {
				rows.Close()
				return nil, err
			}
			completed[sym] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}

	out := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		if completed[sym] || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out, nil
}

// Completeness says which extended kinds are already stored for a target
type Completeness struct {
	Financial bool
	Valuation bool
	// Indicators is set when indicators are already stored for the target.
	// They are derived from stored bars and do not affect Complete.
	Indicators bool
}

// Complete reports whether nothing is missing
func (c Completeness) Complete() bool {
	return c.Financial && c.Valuation
}

// AnnualPeriods returns the two latest annual period ends for which a
// report can exist on target: Dec 31 of the two previous years
func AnnualPeriods(target time.Time) []time.Time {
	y := target.Year()
	return []time.Time{
		time.Date(y-1, time.December, 31, 0, 0, 0, 0, time.UTC),
		time.Date(y-2, time.December, 31, 0, 0, 0, 0, time.UTC),
	}
}

// Completeness checks stored financial, valuation and indicator data for symbol
func (s *Store) Completeness(ctx context.Context, symbol string, target time.Time) (Completeness, error) {
	var c Completeness
	var err error
	if c.Financial, err = s.db.HasAnnualFinancial(ctx, symbol, AnnualPeriods(target)); err != nil {
		return c, err
	}
	from := target.AddDate(0, 0, -valuationWindow)
	to := target.AddDate(0, 0, valuationWindow)
	if c.Valuation, err = s.db.HasValuationBetween(ctx, symbol, from, to); err != nil {
		return c, err
	}
	if c.Indicators, err = s.db.HasIndicator(ctx, symbol, models.FrequencyDaily, target); err != nil {
		return c, err
	}
	return c, nil
}

// CompletenessCheck reports whether both financial and valuation data are present
func (s *Store) CompletenessCheck(ctx context.Context, symbol string, target time.Time) (bool, error) {
	c, err := s.Completeness(ctx, symbol, target)
	if err != nil {
		return false, err
	}
	return c.Complete(), nil
}

// CountByStatus counts status records for target
func (s *Store) CountByStatus(ctx context.Context, target time.Time) (map[models.SyncStatus]int, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		"SELECT status, COUNT(*) FROM sync_status WHERE target_date = ? GROUP BY status",
		database.DateArg(target))
	if err != nil {
		return nil, fmt.Errorf("failed to count sync status: %w", err)
	}
	defer rows.Close()

	out := make(map[models.SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[models.SyncStatus(status)] = n
	}
	return out, rows.Err()
}

// Records lists status records for target, optionally filtered by status
func (s *Store) Records(ctx context.Context, target time.Time, status models.SyncStatus) ([]*models.SyncStatusRecord, error) {
	query := "SELECT " + recordColumns + " FROM sync_status WHERE target_date = ?"
	args := []any{database.DateArg(target)}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY symbol"

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync status: %w", err)
	}
	defer rows.Close()

	var out []*models.SyncStatusRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
