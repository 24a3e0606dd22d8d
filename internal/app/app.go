// Package app wires configuration into the sync components.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/market-sync/internal/cache"
	"github.com/market-sync/internal/database"
	"github.com/market-sync/internal/gaps"
	"github.com/market-sync/internal/messaging"
	"github.com/market-sync/internal/orchestrator"
	"github.com/market-sync/internal/pipeline"
	"github.com/market-sync/internal/quality"
	"github.com/market-sync/internal/server"
	"github.com/market-sync/internal/session"
	"github.com/market-sync/internal/sources"
	"github.com/market-sync/internal/syncstate"
	"github.com/market-sync/internal/writer"
	"github.com/market-sync/pkg/config"
	"github.com/market-sync/pkg/models"
	"github.com/sirupsen/logrus"
)

// App holds the wired components of one process
type App struct {
	cfg    *config.Config
	logger *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Storage
	db     *database.Client
	state  *syncstate.Store
	influx *database.InfluxMirror

	// Optional backends
	redisCache *cache.RedisClient
	natsClient *messaging.NATSClient

	// Sync
	source     sources.DataSource
	sessionMgr *session.Manager
	writer     *writer.BatchWriter
	validator  *quality.Validator
	detector   *gaps.Detector
	backfiller *gaps.Backfiller
	orch       *orchestrator.Orchestrator

	server *server.Server
}

// New creates a new application instance
func New(cfg *config.Config, logger *logrus.Logger) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// InitializeStore opens and migrates the store only
func (a *App) InitializeStore() error {
	if err := a.initializeDatabase(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Initialize initializes all application components
func (a *App) Initialize() error {
	if err := a.InitializeStore(); err != nil {
		return err
	}
	if err := a.initializeCache(); err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	if err := a.initializeMessaging(); err != nil {
		return fmt.Errorf("failed to initialize messaging: %w", err)
	}
	if err := a.initializeSource(); err != nil {
		return fmt.Errorf("failed to initialize source: %w", err)
	}
	if err := a.initializeSync(); err != nil {
		return fmt.Errorf("failed to initialize sync: %w", err)
	}
	return nil
}

func (a *App) initializeDatabase() error {
	db, err := database.Open(a.cfg, a.logger)
	if err != nil {
		return err
	}
	applied, err := db.Migrate(a.ctx)
	if err != nil {
		db.Close()
		return err
	}
	if len(applied) > 0 {
		a.logger.WithField("versions", applied).Info("Applied schema migrations")
	}
	a.db = db
	a.state = syncstate.New(db, a.logger, syncstate.WithStaleAfter(a.cfg.Sync.StaleAfter))
	return nil
}

func (a *App) initializeCache() error {
	if !a.cfg.Redis.Enabled {
		return nil
	}
	redisClient, err := cache.NewRedisClient(&a.cfg.Redis, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.redisCache = redisClient
	return nil
}

func (a *App) initializeMessaging() error {
	if !a.cfg.NATS.Enabled {
		return nil
	}
	natsClient, err := messaging.NewNATSClient(&a.cfg.NATS, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	a.natsClient = natsClient
	return nil
}

func (a *App) initializeSource() error {
	src, err := sources.New(&a.cfg.Source, a.cfg.Sync.Market, a.logger)
	if err != nil {
		return err
	}
	a.sessionMgr = session.NewManager(sources.ConnectorFor(src), &a.cfg.Session, a.logger)
	a.source = sources.Serialize(src, a.sessionMgr)
	return nil
}

func (a *App) initializeSync() error {
	var opts []writer.Option
	opts = append(opts, writer.WithThreshold(a.cfg.Writer.FlushThreshold))
	if a.cfg.InfluxDB.Enabled {
		a.influx = database.NewInfluxMirror(&a.cfg.InfluxDB, a.logger)
		if err := a.influx.Health(a.ctx); err != nil {
			a.logger.WithError(err).Warn("InfluxDB unreachable, bar mirror writes will be logged and skipped")
		}
		opts = append(opts, writer.WithMirror(a.influx))
	}
	a.writer = writer.New(a.db, a.logger, opts...)
	a.validator = quality.New(quality.WithMaxChangePct(a.cfg.Sync.MaxPriceChangePct))

	suspensions, err := gaps.LoadSuspensions(a.cfg.Sync.SuspensionsFile)
	if err != nil {
		return err
	}
	if suspensions.Len() > 0 {
		a.logger.WithField("windows", suspensions.Len()).Info("Loaded suspension windows")
	}
	a.detector = gaps.NewDetector(a.db, a.cfg.Sync.Market, suspensions, a.logger)
	a.backfiller = gaps.NewBackfiller(a.source, a.db, a.writer, a.validator, suspensions, a.cfg.Sync.MaxGapRepairs, a.logger)

	deps := orchestrator.Deps{
		Config:     &a.cfg.Sync,
		Pipeline:   pipeline.ConfigFrom(&a.cfg.Sync, &a.cfg.Session),
		DB:         a.db,
		State:      a.state,
		Source:     a.source,
		Writer:     a.writer,
		Validator:  a.validator,
		Detector:   a.detector,
		Backfiller: a.backfiller,
	}
	if a.natsClient != nil {
		deps.Publisher = a.natsClient
	}
	if a.redisCache != nil {
		deps.Cache = a.redisCache
	}
	a.orch = orchestrator.New(deps, a.logger)
	return nil
}

// Sync runs the orchestrator once
func (a *App) Sync(ctx context.Context, target time.Time, opts orchestrator.RunOptions) (*models.SyncReport, error) {
	if a.orch == nil {
		return nil, errors.New("application not initialized")
	}
	return a.orch.Run(ctx, target, opts)
}

// Start serves the ops endpoints and, when schedule is set, runs the sync
// every day at the configured time
func (a *App) Start(schedule bool) error {
	var opts []server.Option
	if a.redisCache != nil {
		opts = append(opts, server.WithCache(a.redisCache))
	}
	if a.natsClient != nil {
		opts = append(opts, server.WithEvents(a.natsClient))
	}
	a.server = server.New(&a.cfg.Server, a.db, a.state, a.logger, opts...)

	if err := a.sessionMgr.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start session manager: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("HTTP server error")
		}
	}()

	if schedule {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.runScheduler()
		}()
	}
	return nil
}

// runScheduler triggers a full run at ScheduleAt every day
func (a *App) runScheduler() {
	log := a.logger.WithField("component", "scheduler")
	for {
		next, err := NextRun(time.Now(), a.cfg.Sync.ScheduleAt)
		if err != nil {
			log.WithError(err).Error("Invalid schedule, scheduler stopped")
			return
		}
		log.WithField("next_run", next.Format(time.RFC3339)).Info("Next sync scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-a.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		report, err := a.Sync(a.ctx, time.Now(), orchestrator.RunOptions{})
		if err != nil {
			log.WithError(err).Error("Scheduled sync failed")
			continue
		}
		log.WithFields(logrus.Fields{
			"session_id": report.SessionID,
			"failed":     report.Summary.Failed,
		}).Info("Scheduled sync finished")
	}
}

// NextRun returns the first HH:MM after now, in now's location
func NextRun(now time.Time, at string) (time.Time, error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule time %q: %w", at, err)
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}

// Stop gracefully stops the application
func (a *App) Stop() error {
	a.logger.Info("Stopping application...")
	a.cancel()

	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.server.Stop(ctx); err != nil {
			a.logger.WithError(err).Error("Error stopping HTTP server")
		}
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		a.logger.Warn("Timeout waiting for goroutines to finish")
	}

	return a.Close()
}

// Close releases every connection
func (a *App) Close() error {
	var errs []error
	if a.writer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := a.writer.FlushAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush writer: %w", err))
		}
		cancel()
	}
	if a.sessionMgr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.sessionMgr.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if a.natsClient != nil {
		if err := a.natsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close NATS: %w", err))
		}
	}
	if a.redisCache != nil {
		if err := a.redisCache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Redis: %w", err))
		}
	}
	if a.influx != nil {
		a.influx.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Context returns the application context
func (a *App) Context() context.Context { return a.ctx }

// DB returns the store
func (a *App) DB() *database.Client { return a.db }

// State returns the sync state store
func (a *App) State() *syncstate.Store { return a.state }

// Source returns the serialized provider
func (a *App) Source() sources.DataSource { return a.source }

// Writer returns the batch writer
func (a *App) Writer() *writer.BatchWriter { return a.writer }

// Validator returns the record validator
func (a *App) Validator() *quality.Validator { return a.validator }

// Detector returns the gap detector
func (a *App) Detector() *gaps.Detector { return a.detector }

// Backfiller returns the gap backfiller
func (a *App) Backfiller() *gaps.Backfiller { return a.backfiller }

// Cache returns the Redis client, nil when disabled
func (a *App) Cache() *cache.RedisClient { return a.redisCache }

// Config returns the application configuration
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the application logger
func (a *App) Logger() *logrus.Logger { return a.logger }
