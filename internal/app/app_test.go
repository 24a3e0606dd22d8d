package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/market-sync/internal/orchestrator"
	"github.com/market-sync/pkg/config"
	"github.com/market-sync/pkg/logger"
	"github.com/market-sync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRun(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)

	tests := []struct {
		name string
		now  time.Time
		at   string
		want time.Time
	}{
		{"later today", time.Date(2024, 1, 24, 9, 0, 0, 0, loc), "18:30", time.Date(2024, 1, 24, 18, 30, 0, 0, loc)},
		{"passed today", time.Date(2024, 1, 24, 19, 0, 0, 0, loc), "18:30", time.Date(2024, 1, 25, 18, 30, 0, 0, loc)},
		{"exactly now", time.Date(2024, 1, 24, 18, 30, 0, 0, loc), "18:30", time.Date(2024, 1, 25, 18, 30, 0, 0, loc)},
		{"month end", time.Date(2024, 1, 31, 23, 0, 0, 0, loc), "06:00", time.Date(2024, 2, 1, 6, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(tt.now, tt.at)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}

	_, err := NextRun(time.Now(), "6pm")
	assert.Error(t, err)
}

func TestInitializeAndSync(t *testing.T) {
	cfg, err := config.LoadFromMap(map[string]string{
		"STORE_DRIVER": "sqlite",
		"STORE_PATH":   filepath.Join(t.TempDir(), "market.db"),
		"SOURCE_KIND":  "memory",
	})
	require.NoError(t, err)

	a := New(cfg, logger.Discard())
	require.NoError(t, a.Initialize())
	t.Cleanup(func() { a.Close() })

	assert.Nil(t, a.Cache())
	require.NotNil(t, a.DB())

	report, err := a.Sync(context.Background(), time.Now(), orchestrator.RunOptions{
		Phases: []string{orchestrator.PhaseCalendar},
	})
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCompleted, report.Phases[orchestrator.PhaseCalendar].Status)

	sess, err := a.State().LatestSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, report.SessionID, sess.SessionID)
}

func TestSyncBeforeInitialize(t *testing.T) {
	a := New(&config.Config{}, logger.Discard())
	_, err := a.Sync(context.Background(), time.Now(), orchestrator.RunOptions{})
	assert.Error(t, err)
}
