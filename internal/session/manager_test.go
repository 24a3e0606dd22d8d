package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/market-sync/internal/session"
	"github.com/market-sync/pkg/config"
	"github.com/market-sync/pkg/logger"
	"github.com/market-sync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnector struct {
	connects    atomic.Int32
	disconnects atomic.Int32
	pings       atomic.Int32
	pingErr     error
	connectErr  error
}

func (f *fakeConnector) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connects.Add(1)
	return nil
}

func (f *fakeConnector) Ping(context.Context) error {
	f.pings.Add(1)
	return f.pingErr
}

func (f *fakeConnector) Disconnect(context.Context) error {
	f.disconnects.Add(1)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(conn session.Connector, opts ...session.Option) *session.Manager {
	cfg := &config.SessionConfig{
		IdleTimeout:    600 * time.Second,
		AcquireTimeout: time.Second,
	}
	return session.NewManager(conn, cfg, logger.Discard(), opts...)
}

func TestDoSerializesCalls(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{}
	m := newManager(conn)

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Do(context.Background(), func(context.Context) error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				active.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, int32(1), conn.connects.Load())
}

func TestAcquireTimeout(t *testing.T) {
	t.Parallel()
	m := newManager(&fakeConnector{})

	lease, err := m.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer lease.Release()

	_, err = m.Acquire(context.Background(), 10*time.Millisecond)
	var connErr *models.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, session.ErrAcquireTimeout)
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	m := newManager(&fakeConnector{})

	lease, err := m.Acquire(context.Background(), 0)
	require.NoError(t, err)
	lease.Release()
	lease.Release()

	lease, err = m.Acquire(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	lease.Release()
}

func TestIdleSessionReconnects(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{}
	clk := &clock{now: time.Date(2024, 1, 24, 9, 0, 0, 0, time.UTC)}
	m := newManager(conn, session.WithClock(clk.Now))
	noop := func(context.Context) error { return nil }

	require.NoError(t, m.Do(context.Background(), noop))
	clk.Advance(5 * time.Minute)
	require.NoError(t, m.Do(context.Background(), noop))
	assert.Equal(t, int32(1), conn.connects.Load())

	clk.Advance(11 * time.Minute)
	require.NoError(t, m.Do(context.Background(), noop))
	assert.Equal(t, int32(2), conn.connects.Load())
	assert.Equal(t, int32(1), conn.disconnects.Load())
	assert.Equal(t, 1, m.Stats().Reconnects)
}

func TestConnectionErrorInvalidatesSession(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{}
	m := newManager(conn)

	err := m.Do(context.Background(), func(context.Context) error {
		return &models.ConnectionError{Op: "fetch", Err: errors.New("reset by peer")}
	})
	require.True(t, models.IsConnectionError(err))
	assert.False(t, m.Stats().Connected)

	require.NoError(t, m.Do(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, int32(2), conn.connects.Load())
}

func TestConnectFailure(t *testing.T) {
	t.Parallel()
	m := newManager(&fakeConnector{connectErr: errors.New("bad credentials")})

	called := false
	err := m.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.True(t, models.IsConnectionError(err))
	assert.False(t, called)
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{}
	m := newManager(conn)
	ctx := context.Background()

	// no session yet
	require.NoError(t, m.Heartbeat(ctx))
	require.NoError(t, m.Do(ctx, func(context.Context) error { return nil }))

	// busy session is left alone
	lease, err := m.Acquire(ctx, 0)
	require.NoError(t, err)
	conn.pingErr = errors.New("timeout")
	require.NoError(t, m.Heartbeat(ctx))
	assert.True(t, m.Stats().Connected)
	lease.Release()

	err = m.Heartbeat(ctx)
	assert.True(t, models.IsConnectionError(err))
	assert.False(t, m.Stats().Connected)
}

func TestClose(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{}
	m := newManager(conn)
	ctx := context.Background()

	require.NoError(t, m.Do(ctx, func(context.Context) error { return nil }))
	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))
	assert.Equal(t, int32(1), conn.disconnects.Load())

	err := m.Do(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, session.ErrClosed)
}

func TestHeartbeatLoopRestarts(t *testing.T) {
	t.Parallel()
	conn := &fakeConnector{}
	cfg := &config.SessionConfig{
		IdleTimeout:       600 * time.Second,
		AcquireTimeout:    time.Second,
		HeartbeatInterval: 5 * time.Millisecond,
	}
	m := session.NewManager(conn, cfg, logger.Discard())
	ctx := context.Background()
	require.NoError(t, m.Do(ctx, func(context.Context) error { return nil }))

	require.NoError(t, m.Start(ctx))
	assert.Error(t, m.Start(ctx))
	m.Stop()

	before := conn.pings.Load()
	require.NoError(t, m.Start(ctx))
	assert.Eventually(t, func() bool { return conn.pings.Load() > before }, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()

	require.NoError(t, m.Close(ctx))
}
