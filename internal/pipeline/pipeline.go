// Package pipeline runs a sync job over a symbol list with a bounded worker
// pool, choosing between bulk and per-symbol fetching.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/market-sync/internal/database"
	"github.com/market-sync/internal/metrics"
	"github.com/market-sync/internal/quality"
	"github.com/market-sync/internal/writer"
	"github.com/market-sync/pkg/config"
	"github.com/market-sync/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkers = 1
	maxWorkers = 4
)

// Config tunes a Pipeline
type Config struct {
	Workers              int
	BatchSize            int
	OutstandingThreshold int
	CatalogThreshold     int
	ForceMode            Mode
	MemoryCeilingMB      uint64
	MaxRetries           int
	RetryInitialInterval time.Duration
}

// ConfigFrom builds a pipeline config from application settings
func ConfigFrom(syncCfg *config.SyncConfig, sessCfg *config.SessionConfig) Config {
	return Config{
		Workers:              syncCfg.Workers,
		BatchSize:            syncCfg.BatchSize,
		OutstandingThreshold: syncCfg.OutstandingThreshold,
		CatalogThreshold:     syncCfg.CatalogThreshold,
		ForceMode:            Mode(syncCfg.ForceMode),
		MemoryCeilingMB:      syncCfg.MemoryCeilingMB,
		MaxRetries:           sessCfg.MaxRetries,
		RetryInitialInterval: sessCfg.RetryInitialInterval,
	}
}

// Pipeline is the ConcurrentSyncPipeline
type Pipeline struct {
	cfg       Config
	store     *database.Client
	writer    *writer.BatchWriter
	validator *quality.Validator
	logger    *logrus.Entry

	heapInUse  func() uint64
	onProgress func(job string, done, total int)
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithHeapReader overrides how heap usage is sampled
func WithHeapReader(fn func() uint64) Option {
	return func(p *Pipeline) { p.heapInUse = fn }
}

// WithProgress registers a callback invoked by the collector after every task
func WithProgress(fn func(job string, done, total int)) Option {
	return func(p *Pipeline) { p.onProgress = fn }
}

// New creates a pipeline
func New(cfg Config, store *database.Client, w *writer.BatchWriter, v *quality.Validator, logger *logrus.Logger, opts ...Option) *Pipeline {
	if cfg.Workers < minWorkers {
		cfg.Workers = minWorkers
	}
	if cfg.Workers > maxWorkers {
		cfg.Workers = maxWorkers
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	if cfg.OutstandingThreshold < 1 {
		cfg.OutstandingThreshold = 50
	}
	if cfg.CatalogThreshold < 1 {
		cfg.CatalogThreshold = 500
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	p := &Pipeline{
		cfg:       cfg,
		store:     store,
		writer:    w,
		validator: v,
		logger:    logger.WithField("component", "pipeline"),
		heapInUse: readHeapInUse,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SelectMode picks batch mode when the catalog or the outstanding set is
// large. Catalog size is checked first so a mostly finished large catalog
// still runs in batch mode.
func (p *Pipeline) SelectMode(catalog, outstanding int) Mode {
	switch p.cfg.ForceMode {
	case ModeBatch, ModeSerial:
		return p.cfg.ForceMode
	}
	if catalog >= p.cfg.CatalogThreshold {
		return ModeBatch
	}
	if outstanding >= p.cfg.OutstandingThreshold {
		return ModeBatch
	}
	return ModeSerial
}

// task is one symbol of a chunk, with its payload when it was bulk fetched
type task struct {
	symbol  string
	payload *Payload
}

// Run syncs symbols with job, checkpointing through cp. catalog is the
// size of the full symbol universe the symbols were filtered from.
func (p *Pipeline) Run(ctx context.Context, job Job, cp Checkpoint, symbols []string, catalog int) (*Result, error) {
	start := time.Now()
	log := p.logger.WithField("job", job.Name())

	mode := p.SelectMode(catalog, len(symbols))
	bulkJob, bulkOK := canBulk(job)
	if mode == ModeBatch && !bulkOK {
		log.Debug("Job has no bulk fetch, running serially")
		mode = ModeSerial
	}

	res := &Result{Job: job.Name(), Mode: mode}
	if len(symbols) == 0 {
		return res, nil
	}

	plan := serialPlan
	if mode == ModeBatch {
		plan = orElse(bulkPlan(bulkJob), serialPlan, func(err error) {
			res.FellBack = true
			log.WithError(err).Warn("Bulk fetch failed, continuing serially")
		})
	}

	log.WithFields(logrus.Fields{
		"symbols": len(symbols),
		"catalog": catalog,
		"mode":    mode,
		"workers": p.cfg.Workers,
	}).Info("Starting pipeline run")

	results := make(chan outcome)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for o := range results {
			res.add(o)
			metrics.SymbolsProcessed.WithLabelValues(job.Name(), outcomeLabel(o)).Inc()
			if p.onProgress != nil {
				p.onProgress(job.Name(), res.Processed, len(symbols))
			}
		}
	}()

	batchSize, workers := p.cfg.BatchSize, p.cfg.Workers
	var runErr error
	for offset := 0; offset < len(symbols); {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		batchSize, workers = p.adapt(batchSize, workers)
		end := offset + batchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		chunk := symbols[offset:end]
		offset = end
		res.Chunks++

		payloads, err := plan(ctx, chunk)
		if err != nil {
			runErr = err
			break
		}

		tasks := make([]task, len(chunk))
		for i, sym := range chunk {
			tasks[i] = task{symbol: sym, payload: payloads[sym]}
		}
		if err := p.runChunk(ctx, job, cp, tasks, workers, results); err != nil {
			runErr = err
			break
		}
	}

	close(results)
	<-collected
	res.Duration = time.Since(start)

	metrics.PipelineRuns.WithLabelValues(job.Name(), string(mode), strconv.FormatBool(res.FellBack)).Inc()
	log.WithFields(logrus.Fields{
		"processed":    res.Processed,
		"completed":    res.Completed,
		"partial":      res.Partial,
		"failed":       res.Failed,
		"skipped":      res.Skipped,
		"records":      res.Records,
		"rejected":     res.Rejected,
		"write_errors": res.WriteErrors,
		"fell_back":    res.FellBack,
		"duration":     res.Duration.Round(time.Millisecond),
	}).Info("Pipeline run finished")

	return res, runErr
}

// runChunk drains tasks with a fixed number of workers
func (p *Pipeline) runChunk(ctx context.Context, job Job, cp Checkpoint, tasks []task, workers int, results chan<- outcome) error {
	queue := make(chan task)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for _, t := range tasks {
			select {
			case queue <- t:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for t := range queue {
				o := p.process(gctx, job, cp, t)
				select {
				case results <- o:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// process runs claim, fetch, validate and the payload transaction for one symbol
func (p *Pipeline) process(ctx context.Context, job Job, cp Checkpoint, t task) outcome {
	log := p.logger.WithFields(logrus.Fields{"job": job.Name(), "symbol": t.symbol})
	o := outcome{symbol: t.symbol}

	claimed, err := cp.Claim(ctx, t.symbol)
	if err != nil {
		log.WithError(err).Error("Failed to claim symbol")
		o.writeErr = err
		return o
	}
	if !claimed {
		o.skipped = true
		return o
	}

	payload := t.payload
	if payload == nil {
		payload, err = p.fetchWithRetry(ctx, job, t.symbol)
		if err != nil {
			log.WithError(err).Warn("Fetch failed")
			payload = &Payload{}
			o.status = models.StatusFailed
		}
	}

	kept, rejected := p.validator.Admit(payload.Records)
	o.rejected = len(rejected)
	for _, r := range rejected {
		metrics.RecordsRejected.WithLabelValues(r.Table).Inc()
		log.WithField("reason", r.Reason).Debug("Record rejected")
	}
	if o.status == "" {
		o.status = terminalStatus(payload, len(kept), len(rejected))
	}

	var counts map[string]int
	err = p.store.ExecTx(ctx, func(tx *sql.Tx) error {
		var err error
		if counts, err = p.writer.WriteTx(ctx, tx, kept); err != nil {
			return err
		}
		o.records = 0
		for _, n := range counts {
			o.records += n
		}
		return cp.Finish(ctx, tx, t.symbol, o.status, o.records)
	})
	if err != nil {
		o.writeErr = &models.TransactionError{Op: job.Name() + " " + t.symbol, Err: err}
		log.WithError(err).Error("Payload transaction rolled back")
		return o
	}

	p.writer.Committed(ctx, kept, counts)
	return o
}

// terminalStatus: completed when nothing was rejected or missing; partial
// when something was admitted or already present; failed otherwise
func terminalStatus(payload *Payload, kept, rejected int) models.SyncStatus {
	if rejected == 0 && len(payload.Missing) == 0 {
		return models.StatusCompleted
	}
	if kept > 0 || payload.Present > 0 {
		return models.StatusPartial
	}
	return models.StatusFailed
}

func (p *Pipeline) fetchWithRetry(ctx context.Context, job Job, symbol string) (*Payload, error) {
	var payload *Payload
	op := func() error {
		var err error
		payload, err = job.FetchOne(ctx, symbol)
		if err != nil && !models.IsConnectionError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	if p.cfg.RetryInitialInterval > 0 {
		eb.InitialInterval = p.cfg.RetryInitialInterval
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.cfg.MaxRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		metrics.FetchRetries.WithLabelValues(job.Name()).Inc()
		p.logger.WithError(err).WithFields(logrus.Fields{
			"job":    job.Name(),
			"symbol": symbol,
			"wait":   wait,
		}).Warn("Fetch hit a connection error, retrying")
	}

	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = &Payload{}
	}
	return payload, nil
}

// fetchPlan obtains the payloads of a chunk up front; a nil map means every
// task fetches on its own
type fetchPlan func(ctx context.Context, chunk []string) (map[string]*Payload, error)

func serialPlan(context.Context, []string) (map[string]*Payload, error) {
	return nil, nil
}

func bulkPlan(job BulkJob) fetchPlan {
	return func(ctx context.Context, chunk []string) (map[string]*Payload, error) {
		payloads, err := job.FetchMany(ctx, chunk)
		if err != nil {
			return nil, &models.BatchFetchError{Job: job.Name(), Symbols: len(chunk), Err: err}
		}
		return payloads, nil
	}
}

// orElse uses primary until it fails with a BatchFetchError, then reruns
// that chunk with fallback and keeps using fallback for the rest of the run
func orElse(primary, fallback fetchPlan, onFallback func(error)) fetchPlan {
	failed := false
	return func(ctx context.Context, chunk []string) (map[string]*Payload, error) {
		if failed {
			return fallback(ctx, chunk)
		}
		payloads, err := primary(ctx, chunk)
		var bfe *models.BatchFetchError
		if errors.As(err, &bfe) && ctx.Err() == nil {
			failed = true
			onFallback(err)
			return fallback(ctx, chunk)
		}
		return payloads, err
	}
}

// adapt shrinks the batch size and worker count while heap usage is at or
// above the ceiling
func (p *Pipeline) adapt(batchSize, workers int) (int, int) {
	if p.cfg.MemoryCeilingMB == 0 {
		return batchSize, workers
	}
	inUse := p.heapInUse()
	ceiling := p.cfg.MemoryCeilingMB << 20
	if inUse < ceiling {
		return batchSize, workers
	}

	if batchSize > 1 {
		batchSize /= 2
	}
	if workers > minWorkers {
		workers--
	}
	metrics.MemoryBackoffs.Inc()
	p.logger.WithFields(logrus.Fields{
		"heap_mb":    inUse >> 20,
		"ceiling_mb": p.cfg.MemoryCeilingMB,
		"batch_size": batchSize,
		"workers":    workers,
	}).Warn("Memory ceiling reached, shrinking batches")
	runtime.GC()
	return batchSize, workers
}

func readHeapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

func outcomeLabel(o outcome) string {
	switch {
	case o.skipped:
		return "skipped"
	case o.writeErr != nil:
		return "write_error"
	}
	return string(o.status)
}

// String renders a result for logs and CLI output
func (r *Result) String() string {
	return fmt.Sprintf("%s[%s] processed=%d completed=%d partial=%d failed=%d skipped=%d records=%d rejected=%d write_errors=%d",
		r.Job, r.Mode, r.Processed, r.Completed, r.Partial, r.Failed, r.Skipped, r.Records, r.Rejected, r.WriteErrors)
}
