package syncstate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/market-sync/internal/database"
	"github.com/market-sync/pkg/models"
)

// TargetCheckpoint tracks per-symbol progress in sync_status for one
// target date
type TargetCheckpoint struct {
	store     *Store
	target    time.Time
	sessionID string
	syncType  string
}

// TargetCheckpoint returns the sync_status checkpoint for a run
func (s *Store) TargetCheckpoint(target time.Time, sessionID, syncType string) *TargetCheckpoint {
	return &TargetCheckpoint{store: s, target: models.DateOf(target), sessionID: sessionID, syncType: syncType}
}

// Claim commits processing for symbol. It returns false when the symbol is
// already completed for the target.
func (c *TargetCheckpoint) Claim(ctx context.Context, symbol string) (bool, error) {
	claimed := false
	err := c.store.db.ExecTx(ctx, func(tx *sql.Tx) error {
		current, err := c.store.get(ctx, tx, symbol, c.target)
		if err != nil {
			return err
		}
		if current != nil && current.Status == models.StatusCompleted {
			return nil
		}
		claimed = true
		return c.store.UpsertTx(ctx, tx, &models.SyncStatusRecord{
			Symbol:     symbol,
			SyncType:   c.syncType,
			TargetDate: c.target,
			Status:     models.StatusProcessing,
			SessionID:  c.sessionID,
		})
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// Finish writes the terminal status inside the payload transaction
func (c *TargetCheckpoint) Finish(ctx context.Context, tx *sql.Tx, symbol string, status models.SyncStatus, records int) error {
	return c.store.UpsertTx(ctx, tx, &models.SyncStatusRecord{
		Symbol:       symbol,
		SyncType:     c.syncType,
		TargetDate:   c.target,
		Status:       status,
		RecordsCount: records,
		SessionID:    c.sessionID,
	})
}

// BarCheckpoint tracks incremental bar progress in bar_sync_status for one
// frequency and target date
type BarCheckpoint struct {
	store     *Store
	frequency string
	target    time.Time
	sessionID string
}

// BarCheckpoint returns the bar_sync_status checkpoint for a run
func (s *Store) BarCheckpoint(frequency string, target time.Time, sessionID string) *BarCheckpoint {
	return &BarCheckpoint{store: s, frequency: frequency, target: models.DateOf(target), sessionID: sessionID}
}

// Claim commits processing for symbol. It returns false when the symbol is
// already completed for the target.
func (c *BarCheckpoint) Claim(ctx context.Context, symbol string) (bool, error) {
	claimed := false
	err := c.store.db.ExecTx(ctx, func(tx *sql.Tx) error {
		current, err := c.store.barProgress(ctx, tx, symbol, c.frequency)
		if err != nil {
			return err
		}
		if current != nil && current.TargetDate.Equal(c.target) && current.Status == models.StatusCompleted {
			return nil
		}
		claimed = true
		return c.store.UpsertBarProgressTx(ctx, tx, &models.BarProgress{
			Symbol:     symbol,
			Frequency:  c.frequency,
			TargetDate: c.target,
			Status:     models.StatusProcessing,
			SessionID:  c.sessionID,
		})
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// Finish writes the terminal status and the latest stored bar date inside
// the payload transaction
func (c *BarCheckpoint) Finish(ctx context.Context, tx *sql.Tx, symbol string, status models.SyncStatus, records int) error {
	var last time.Time
	var valid bool
	err := tx.QueryRowContext(ctx,
		"SELECT MAX(date) FROM bars WHERE symbol = ? AND frequency = ?",
		symbol, c.frequency).Scan(database.NullTimeScanner(&last, &valid))
	if err != nil {
		return fmt.Errorf("failed to read last bar date for %s: %w", symbol, err)
	}

	return c.store.UpsertBarProgressTx(ctx, tx, &models.BarProgress{
		Symbol:       symbol,
		Frequency:    c.frequency,
		TargetDate:   c.target,
		LastDataDate: last,
		Status:       status,
		RecordsCount: records,
		SessionID:    c.sessionID,
	})
}
