package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/market-sync/internal/messaging"
	"github.com/market-sync/pkg/models"
)

// Publisher receives run events. *messaging.NATSClient implements it.
type Publisher interface {
	PublishPhase(ev *messaging.PhaseEvent) error
	PublishProgress(ev *messaging.ProgressEvent) error
	PublishReport(report *models.SyncReport) error
	PublishError(ev *messaging.ErrorEvent) error
}

// Cache mirrors run markers and reports. *cache.RedisClient implements it.
type Cache interface {
	SetReport(ctx context.Context, report *models.SyncReport) error
	SetDirectoryRefreshed(ctx context.Context, market string, day time.Time) error
	DirectoryRefreshed(ctx context.Context, market string) (time.Time, bool, error)
	SetLastBarDates(ctx context.Context, frequency string, dates map[string]time.Time) error
}

type nopPublisher struct{}

func (nopPublisher) PublishPhase(*messaging.PhaseEvent) error       { return nil }
func (nopPublisher) PublishProgress(*messaging.ProgressEvent) error { return nil }
func (nopPublisher) PublishReport(*models.SyncReport) error         { return nil }
func (nopPublisher) PublishError(*messaging.ErrorEvent) error       { return nil }

type nopCache struct{}

func (nopCache) SetReport(context.Context, *models.SyncReport) error { return nil }
func (nopCache) SetDirectoryRefreshed(context.Context, string, time.Time) error {
	return nil
}
func (nopCache) DirectoryRefreshed(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (nopCache) SetLastBarDates(context.Context, string, map[string]time.Time) error {
	return nil
}

// progressThrottle publishes pipeline progress about every twentieth of a
// job and always on its last task
type progressThrottle struct {
	mu        sync.Mutex
	emit      func(*messaging.ProgressEvent)
	sessionID string
	last      map[string]int
	now       func() time.Time
}

func newProgressThrottle(emit func(*messaging.ProgressEvent), now func() time.Time) *progressThrottle {
	return &progressThrottle{emit: emit, last: make(map[string]int), now: now}
}

func (t *progressThrottle) reset(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionID = sessionID
	t.last = make(map[string]int)
}

func (t *progressThrottle) observe(job string, done, total int) {
	t.mu.Lock()
	step := total / 20
	if step < 1 {
		step = 1
	}
	if done != total && done-t.last[job] < step {
		t.mu.Unlock()
		return
	}
	t.last[job] = done
	ev := &messaging.ProgressEvent{
		SessionID: t.sessionID,
		Job:       job,
		Done:      done,
		Total:     total,
		Timestamp: t.now(),
	}
	t.mu.Unlock()

	t.emit(ev)
}
