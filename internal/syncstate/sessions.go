package syncstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/market-sync/internal/database"
	"github.com/market-sync/pkg/models"
)

// StartSession records the start of a run and returns its session
func (s *Store) StartSession(ctx context.Context, target time.Time) (*models.SyncSession, error) {
	sess := &models.SyncSession{
		SessionID:  uuid.NewString(),
		TargetDate: models.DateOf(target),
		StartedAt:  s.now().UTC(),
	}
	_, err := s.db.DB().ExecContext(ctx,
		"INSERT INTO sync_sessions (session_id, target_date, started_at) VALUES (?, ?, ?)",
		sess.SessionID, database.DateArg(sess.TargetDate), database.TimestampArg(sess.StartedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return sess, nil
}

// FinishSession stamps the end of a run and stores its report
func (s *Store) FinishSession(ctx context.Context, sessionID string, report *models.SyncReport) error {
	var payload any
	if report != nil {
		data, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		payload = string(data)
	}

	res, err := s.db.DB().ExecContext(ctx,
		"UPDATE sync_sessions SET finished_at = ?, report = ? WHERE session_id = ?",
		database.TimestampArg(s.now()), payload, sessionID)
	if err != nil {
		return fmt.Errorf("failed to finish session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	return nil
}

const sessionColumns = "session_id, target_date, started_at, finished_at, report"

func scanSession(scan func(dest ...any) error) (*models.SyncSession, error) {
	var sess models.SyncSession
	var finished time.Time
	var finishedValid bool
	var report sql.NullString
	err := scan(&sess.SessionID, database.TimeScanner(&sess.TargetDate), database.TimeScanner(&sess.StartedAt),
		database.NullTimeScanner(&finished, &finishedValid), &report)
	if err != nil {
		return nil, err
	}
	if finishedValid {
		sess.FinishedAt = &finished
	}
	if report.Valid && report.String != "" {
		var r models.SyncReport
		if err := json.Unmarshal([]byte(report.String), &r); err != nil {
			return nil, fmt.Errorf("failed to decode report of session %s: %w", sess.SessionID, err)
		}
		sess.Report = &r
	}
	return &sess, nil
}

// LatestSession returns the most recently started session, or nil
func (s *Store) LatestSession(ctx context.Context) (*models.SyncSession, error) {
	row := s.db.DB().QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sync_sessions ORDER BY started_at DESC, session_id DESC LIMIT 1")
	sess, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest session: %w", err)
	}
	return sess, nil
}

// Session returns the session with id, or nil
func (s *Store) Session(ctx context.Context, id string) (*models.SyncSession, error) {
	row := s.db.DB().QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sync_sessions WHERE session_id = ?", id)
	sess, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	return sess, nil
}

// PhaseStatus returns the recorded outcome of phase for target. An outcome
// recorded under a different scope is reported as absent.
func (s *Store) PhaseStatus(ctx context.Context, phase string, target time.Time, scope string) (models.PhaseStatus, bool, error) {
	var status, recorded string
	err := s.db.DB().QueryRowContext(ctx,
		"SELECT status, scope FROM sync_phases WHERE phase = ? AND target_date = ?",
		phase, database.DateArg(target)).Scan(&status, &recorded)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read phase %s: %w", phase, err)
	}
	if recorded != scope {
		return "", false, nil
	}
	return models.PhaseStatus(status), true, nil
}

// RecordPhase stores the outcome of phase for target and the scope it ran over
func (s *Store) RecordPhase(ctx context.Context, phase string, target time.Time, scope, sessionID string, rep *models.PhaseReport) error {
	counts, err := json.Marshal(rep.Counts)
	if err != nil {
		return fmt.Errorf("failed to encode phase counts: %w", err)
	}
	query := s.db.Dialect().BuildUpsert("sync_phases",
		[]string{"phase", "target_date", "scope", "status", "session_id", "started_at", "duration_ms", "counts", "updated_at"},
		[]string{"phase", "target_date"},
		[]string{"scope", "status", "session_id", "started_at", "duration_ms", "counts", "updated_at"}, 1)
	_, err = s.db.DB().ExecContext(ctx, query,
		phase, database.DateArg(target), scope, string(rep.Status), sessionID,
		database.TimestampArg(rep.StartedAt), rep.DurationMS, string(counts), database.TimestampArg(s.now()))
	if err != nil {
		return fmt.Errorf("failed to record phase %s: %w", phase, err)
	}
	return nil
}
