package syncstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/market-sync/internal/database"
	"github.com/market-sync/pkg/models"
)

const progressColumns = "symbol, frequency, target_date, last_data_date, status, records_count, session_id, updated_at"

func scanProgress(scan func(dest ...any) error) (*models.BarProgress, error) {
	var p models.BarProgress
	var status string
	err := scan(&p.Symbol, &p.Frequency, database.TimeScanner(&p.TargetDate),
		database.TimeScanner(&p.LastDataDate), &status, &p.RecordsCount, &p.SessionID,
		database.TimeScanner(&p.UpdatedAt))
	if err != nil {
		return nil, err
	}
	if p.Status, err = models.ParseSyncStatus(status); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) barProgress(ctx context.Context, q database.Querier, symbol, frequency string) (*models.BarProgress, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+progressColumns+" FROM bar_sync_status WHERE symbol = ? AND frequency = ?",
		symbol, frequency)
	p, err := scanProgress(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bar progress for %s: %w", symbol, err)
	}
	return p, nil
}

// BarProgress returns the bar checkpoint of (symbol, frequency), or nil
func (s *Store) BarProgress(ctx context.Context, symbol, frequency string) (*models.BarProgress, error) {
	return s.barProgress(ctx, s.db.DB(), symbol, frequency)
}

// UpsertBarProgressTx writes p inside q. A checkpoint left by an earlier
// target date starts a fresh cycle, so any status may follow it.
func (s *Store) UpsertBarProgressTx(ctx context.Context, q database.Querier, p *models.BarProgress) error {
	current, err := s.barProgress(ctx, q, p.Symbol, p.Frequency)
	if err != nil {
		return err
	}
	var from models.SyncStatus
	if current != nil && current.TargetDate.Equal(p.TargetDate) {
		from = current.Status
	}
	if _, err := models.Transition(from, p.Status); err != nil {
		return fmt.Errorf("%s/%s@%s: %w", p.Symbol, p.Frequency, models.FormatDate(p.TargetDate), err)
	}
	if p.LastDataDate.IsZero() && current != nil {
		p.LastDataDate = current.LastDataDate
	}
	p.UpdatedAt = s.now()

	var lastData any
	if !p.LastDataDate.IsZero() {
		lastData = database.DateArg(p.LastDataDate)
	}

	query := s.db.Dialect().BuildUpsert("bar_sync_status",
		[]string{"symbol", "frequency", "target_date", "last_data_date", "status", "records_count", "session_id", "updated_at"},
		[]string{"symbol", "frequency"},
		[]string{"target_date", "last_data_date", "status", "records_count", "session_id", "updated_at"}, 1)
	_, err = q.ExecContext(ctx, query,
		p.Symbol, p.Frequency, database.DateArg(p.TargetDate), lastData, string(p.Status),
		p.RecordsCount, p.SessionID, database.TimestampArg(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert bar progress for %s: %w", p.Symbol, err)
	}
	return nil
}

// UpsertBarProgress writes p in its own transaction
func (s *Store) UpsertBarProgress(ctx context.Context, p *models.BarProgress) error {
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		return s.UpsertBarProgressTx(ctx, tx, p)
	})
}

// CountBarProgress counts bar checkpoints for target and frequency by status
func (s *Store) CountBarProgress(ctx context.Context, frequency string, target time.Time) (map[models.SyncStatus]int, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		"SELECT status, COUNT(*) FROM bar_sync_status WHERE frequency = ? AND target_date = ? GROUP BY status",
		frequency, database.DateArg(target))
	if err != nil {
		return nil, fmt.Errorf("failed to count bar progress: %w", err)
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
