package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/market-sync/internal/metrics"
	"github.com/market-sync/pkg/config"
	"github.com/market-sync/pkg/models"
	"github.com/sirupsen/logrus"
)

// Connector is the provider login handle. The provider allows one logged-in
// session per process; Manager guarantees calls never overlap.
type Connector interface {
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

var (
	// ErrAcquireTimeout is wrapped in a ConnectionError when the session
	// could not be acquired in time
	ErrAcquireTimeout = errors.New("timed out waiting for provider session")
	// ErrClosed is returned once the manager has been closed
	ErrClosed = errors.New("session manager closed")
)

// Stats is a snapshot of the session state
type Stats struct {
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connected_at"`
	LastUsed    time.Time `json:"last_used"`
	Connects    int       `json:"connects"`
	Reconnects  int       `json:"reconnects"`
	Busy        bool      `json:"busy"`
}

// Manager owns the single provider session. Every provider call runs
// through Do, one at a time, on a connection that is logged in and not idle
// for longer than the idle timeout.
type Manager struct {
	connector Connector
	logger    *logrus.Entry
	now       func() time.Time

	idleTimeout       time.Duration
	acquireTimeout    time.Duration
	heartbeatInterval time.Duration

	// one-slot semaphore; holding the token is holding the session
	slot chan struct{}

	mu          sync.Mutex
	connected   bool
	connectedAt time.Time
	lastUsed    time.Time
	connects    int
	reconnects  int
	closed      bool
	running     bool
	done        chan struct{}

	wg sync.WaitGroup
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides the clock used for idle accounting
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager around connector
func NewManager(connector Connector, cfg *config.SessionConfig, logger *logrus.Logger, opts ...Option) *Manager {
	m := &Manager{
		connector:         connector,
		logger:            logger.WithField("component", "session-manager"),
		now:               time.Now,
		idleTimeout:       cfg.IdleTimeout,
		acquireTimeout:    cfg.AcquireTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		slot:              make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lease is exclusive ownership of the session until Release
type Lease struct {
	m    *Manager
	once sync.Once
}

// Release returns the session. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.m.mu.Lock()
		l.m.lastUsed = l.m.now()
		l.m.mu.Unlock()
		<-l.m.slot
	})
}

// Acquire waits up to timeout for exclusive use of the session. A zero
// timeout uses the configured acquire timeout.
func (m *Manager) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	if m.isClosed() {
		return nil, &models.ConnectionError{Op: "acquire", Err: ErrClosed}
	}
	if timeout <= 0 {
		timeout = m.acquireTimeout
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m.slot <- struct{}{}:
		metrics.SessionAcquireWait.Observe(time.Since(start).Seconds())
		return &Lease{m: m}, nil
	case <-timer.C:
		return nil, &models.ConnectionError{Op: "acquire", Err: ErrAcquireTimeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EnsureConnected logs in when there is no valid session and logs in again
// when the session sat idle past the idle timeout. The caller must hold a
// lease.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	m.mu.Lock()
	connected := m.connected
	idle := m.now().Sub(m.lastUsed)
	m.mu.Unlock()

	if connected && (m.idleTimeout <= 0 || idle <= m.idleTimeout) {
		return nil
	}

	if connected {
		m.logger.WithField("idle", idle.Round(time.Second)).Info("Session idle too long, reconnecting")
		if err := m.connector.Disconnect(ctx); err != nil {
			m.logger.WithError(err).Debug("Disconnect before reconnect failed")
		}
	}

	if err := m.connector.Connect(ctx); err != nil {
		m.Invalidate()
		return &models.ConnectionError{Op: "connect", Err: err}
	}

	m.mu.Lock()
	if m.connects > 0 {
		m.reconnects++
		metrics.SessionReconnects.Inc()
	}
	m.connects++
	m.connected = true
	m.connectedAt = m.now()
	m.lastUsed = m.connectedAt
	m.mu.Unlock()

	m.logger.Debug("Provider session connected")
	return nil
}

// Invalidate marks the session as unusable; the next call logs in again
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

// Do runs fn with exclusive use of a connected session. A ConnectionError
// from fn invalidates the session.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	lease, err := m.Acquire(ctx, 0)
	if err != nil {
		return err
	}
	defer lease.Release()

	if err := m.EnsureConnected(ctx); err != nil {
		return err
	}

	err = fn(ctx)
	if models.IsConnectionError(err) {
		m.logger.WithError(err).Warn("Provider call lost the session")
		m.Invalidate()
	}
	return err
}

// Heartbeat pings an idle connected session. It does nothing while another
// caller holds the session or when there is no session.
func (m *Manager) Heartbeat(ctx context.Context) error {
	select {
	case m.slot <- struct{}{}:
	default:
		return nil
	}
	defer func() { <-m.slot }()

	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()
	if !connected {
		return nil
	}

	if err := m.connector.Ping(ctx); err != nil {
		m.Invalidate()
		m.logger.WithError(err).Warn("Heartbeat failed, session invalidated")
		return &models.ConnectionError{Op: "heartbeat", Err: err}
	}
	return nil
}

// Start runs the heartbeat loop until Stop. A stopped manager can be
// started again.
func (m *Manager) Start(ctx context.Context) error {
	if m.heartbeatInterval <= 0 {
		return nil
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("session manager already running")
	}
	m.running = true
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.wg.Add(1)
	go m.heartbeatLoop(ctx, done)

	m.logger.WithField("interval", m.heartbeatInterval).Info("Session heartbeat started")
	return nil
}

func (m *Manager) heartbeatLoop(ctx context.Context, done <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Heartbeat(ctx)
		}
	}
}

// Stop stops the heartbeat loop
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.done)
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
}

// Close stops the heartbeat and logs out. Later calls fail with ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.Stop()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	connected := m.connected
	m.connected = false
	m.mu.Unlock()

	if !connected {
		return nil
	}
	if err := m.connector.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect provider session: %w", err)
	}
	m.logger.Info("Provider session closed")
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Stats returns a snapshot of the session state
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Connected:   m.connected,
		ConnectedAt: m.connectedAt,
		LastUsed:    m.lastUsed,
		Connects:    m.connects,
		Reconnects:  m.reconnects,
		Busy:        len(m.slot) > 0,
	}
}
