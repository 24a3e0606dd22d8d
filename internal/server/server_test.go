package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/market-sync/internal/database/dbtest"
	"github.com/market-sync/internal/messaging"
	"github.com/market-sync/internal/syncstate"
	"github.com/market-sync/pkg/config"
	"github.com/market-sync/pkg/logger"
	"github.com/market-sync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var target = time.Date(2024, 1, 24, 0, 0, 0, 0, time.UTC)

type fakeCache struct {
	report *models.SyncReport
	err    error
}

func (c *fakeCache) LatestReport(context.Context) (*models.SyncReport, bool, error) {
	return c.report, c.report != nil, c.err
}

func (c *fakeCache) Health(context.Context) error { return c.err }

type fakeEvents struct {
	handler      func(*models.SyncReport)
	unsubscribed []string
}

func (e *fakeEvents) IsConnected() bool { return e.handler != nil }

func (e *fakeEvents) SubscribeReports(h func(*models.SyncReport)) error {
	e.handler = h
	return nil
}

func (e *fakeEvents) Unsubscribe(subject string) error {
	e.unsubscribed = append(e.unsubscribed, subject)
	e.handler = nil
	return nil
}

func newServer(t *testing.T, opts ...Option) (*Server, *syncstate.Store) {
	t.Helper()
	db := dbtest.New(t)
	state := syncstate.New(db, logger.Discard())
	return New(&config.ServerConfig{Host: "127.0.0.1", Port: 9090}, db, state, logger.Discard(), opts...), state
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func storedReport(t *testing.T, state *syncstate.Store) *models.SyncReport {
	t.Helper()
	ctx := context.Background()
	sess, err := state.StartSession(ctx, target)
	require.NoError(t, err)

	report := models.NewSyncReport(sess.SessionID, target, sess.StartedAt)
	report.AddPhase("calendar_update", &models.PhaseReport{Status: models.PhaseCompleted, Counts: map[string]int{"days": 3}})
	report.Finish(sess.StartedAt.Add(time.Second))
	require.NoError(t, state.FinishSession(ctx, sess.SessionID, report))
	return report
}

func TestHealth(t *testing.T) {
	s, _ := newServer(t, WithCache(&fakeCache{err: errors.New("redis down")}))

	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "healthy", body.Services["store"])
	assert.Contains(t, body.Services["redis"], "redis down")
}

func TestMetrics(t *testing.T) {
	s, _ := newServer(t)
	rec := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestLatestReport(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		s, _ := newServer(t)
		assert.Equal(t, http.StatusNotFound, get(t, s, "/reports/latest").Code)
	})

	t.Run("from store", func(t *testing.T) {
		s, state := newServer(t)
		want := storedReport(t, state)

		rec := get(t, s, "/reports/latest")
		require.Equal(t, http.StatusOK, rec.Code)
		var got models.SyncReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, want.SessionID, got.SessionID)
		assert.Equal(t, 3, got.Count("calendar_update", "days"))
	})

	t.Run("newest of bus and cache", func(t *testing.T) {
		events := &fakeEvents{}
		cached := models.NewSyncReport("cached", target, target.Add(time.Hour))
		s, state := newServer(t, WithCache(&fakeCache{report: cached}), WithEvents(events))
		storedReport(t, state)

		require.NoError(t, s.events.SubscribeReports(s.observeReport))
		events.handler(models.NewSyncReport("older", target, target))

		var got models.SyncReport
		require.NoError(t, json.Unmarshal(get(t, s, "/reports/latest").Body.Bytes(), &got))
		assert.Equal(t, "cached", got.SessionID)

		events.handler(models.NewSyncReport("newer", target, target.Add(2*time.Hour)))
		require.NoError(t, json.Unmarshal(get(t, s, "/reports/latest").Body.Bytes(), &got))
		assert.Equal(t, "newer", got.SessionID)
	})
}

func TestReportByID(t *testing.T) {
	s, state := newServer(t)
	want := storedReport(t, state)

	rec := get(t, s, "/reports/"+want.SessionID)
	require.Equal(t, http.StatusOK, rec.Code)
	var sess models.SyncSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, want.SessionID, sess.SessionID)
	require.NotNil(t, sess.FinishedAt)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/reports/unknown").Code)
}

func TestStatus(t *testing.T) {
	s, state := newServer(t)
	for _, st := range []models.SyncStatus{models.StatusProcessing, models.StatusCompleted} {
		require.NoError(t, state.Upsert(context.Background(), &models.SyncStatusRecord{
			Symbol: "000001.SZ", TargetDate: target, SyncType: models.SyncTypeExtended, Status: st,
		}))
	}

	rec := get(t, s, "/status/2024-01-24")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		TargetDate string         `json:"target_date"`
		Status     map[string]int `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "2024-01-24", body.TargetDate)
	assert.Equal(t, 1, body.Status["completed"])

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/status/yesterday").Code)
}

func TestStopUnsubscribesFromReports(t *testing.T) {
	events := &fakeEvents{}
	s, _ := newServer(t, WithEvents(events))
	require.NoError(t, s.events.SubscribeReports(s.observeReport))

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{messaging.SubjectReport}, events.unsubscribed)
	assert.False(t, events.IsConnected())
}
