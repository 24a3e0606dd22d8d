// Package orchestrator runs the daily sync as a sequence of independently
// recorded, best-effort phases.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/market-sync/internal/database"
	"github.com/market-sync/internal/gaps"
	"github.com/market-sync/internal/indicator"
	"github.com/market-sync/internal/messaging"
	"github.com/market-sync/internal/metrics"
	"github.com/market-sync/internal/pipeline"
	"github.com/market-sync/internal/quality"
	"github.com/market-sync/internal/sources"
	"github.com/market-sync/internal/syncstate"
	"github.com/market-sync/internal/writer"
	"github.com/market-sync/pkg/config"
	"github.com/market-sync/pkg/logger"
	"github.com/market-sync/pkg/models"
	"github.com/sirupsen/logrus"
)

// Phase names in run order
const (
	PhaseCalendar    = "calendar_update"
	PhaseDirectory   = "directory_update"
	PhaseIncremental = "incremental_sync"
	PhaseExtended    = "extended_sync"
	PhaseGapRepair   = "gap_repair"
	PhaseValidation  = "validation"
)

// Phases lists every phase in run order
var Phases = []string{PhaseCalendar, PhaseDirectory, PhaseIncremental, PhaseExtended, PhaseGapRepair, PhaseValidation}

// ValidPhase reports whether name is a known phase
func ValidPhase(name string) bool {
	for _, p := range Phases {
		if p == name {
			return true
		}
	}
	return false
}

// RunOptions narrows a run
type RunOptions struct {
	// Symbols overrides the catalog of active securities
	Symbols []string
	// Frequencies overrides the configured bar frequencies
	Frequencies []string
	// Phases restricts the run to the named phases
	Phases []string
	// Force reruns phases already completed for the target date and scope
	Force bool
	// RefreshDirectory ignores the once-a-day directory marker
	RefreshDirectory bool
}

// Deps are the collaborators of an Orchestrator
type Deps struct {
	Config     *config.SyncConfig
	Pipeline   pipeline.Config
	DB         *database.Client
	State      *syncstate.Store
	Source     sources.DataSource
	Writer     *writer.BatchWriter
	Validator  *quality.Validator
	Detector   *gaps.Detector
	Backfiller *gaps.Backfiller
	Publisher  Publisher
	Cache      Cache
}

// Orchestrator is the SyncOrchestrator
type Orchestrator struct {
	cfg        *config.SyncConfig
	db         *database.Client
	state      *syncstate.Store
	src        sources.DataSource
	pipe       *pipeline.Pipeline
	writer     *writer.BatchWriter
	validator  *quality.Validator
	detector   *gaps.Detector
	backfiller *gaps.Backfiller
	indicators *indicator.Calculator
	publisher  Publisher
	cache      Cache
	progress   *progressThrottle

	now func() time.Time
	log *logrus.Entry
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClock overrides the clock used for clamping and report timing
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator. Publisher and Cache are optional.
func New(deps Deps, logger *logrus.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        deps.Config,
		db:         deps.DB,
		state:      deps.State,
		src:        deps.Source,
		writer:     deps.Writer,
		validator:  deps.Validator,
		detector:   deps.Detector,
		backfiller: deps.Backfiller,
		indicators: indicator.NewCalculator(logger),
		publisher:  deps.Publisher,
		cache:      deps.Cache,
		now:        time.Now,
		log:        logger.WithField("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.publisher == nil {
		o.publisher = nopPublisher{}
	}
	if o.cache == nil {
		o.cache = nopCache{}
	}

	o.progress = newProgressThrottle(func(ev *messaging.ProgressEvent) {
		o.emit("progress", func() error { return o.publisher.PublishProgress(ev) })
	}, o.now)
	o.pipe = pipeline.New(deps.Pipeline, deps.DB, deps.Writer, deps.Validator, logger,
		pipeline.WithProgress(o.progress.observe))
	return o
}

// run carries the state of one Run call
type run struct {
	target      time.Time
	sessionID   string
	opts        RunOptions
	frequencies []string
	catalog     []string
	report      *models.SyncReport
}

// Run syncs everything up to target. A failing phase is recorded and the
// run continues; the returned error is reserved for failures that leave no
// usable report, or a cancelled context.
func (o *Orchestrator) Run(ctx context.Context, target time.Time, opts RunOptions) (*models.SyncReport, error) {
	target = o.clamp(target)

	sess, err := o.state.StartSession(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to start sync session: %w", err)
	}
	o.progress.reset(sess.SessionID)

	r := &run{
		target:      target,
		sessionID:   sess.SessionID,
		opts:        opts,
		frequencies: o.frequencies(opts),
		report:      models.NewSyncReport(sess.SessionID, target, o.now()),
	}
	log := o.log.WithFields(logrus.Fields{"session_id": r.sessionID, "target_date": r.report.TargetDate})
	log.WithField("frequencies", r.frequencies).Info("Sync run started")

	steps := []struct {
		name string
		fn   phaseFunc
	}{
		{PhaseCalendar, o.updateCalendar},
		{PhaseDirectory, o.updateDirectory},
		{PhaseIncremental, o.incrementalSync},
		{PhaseExtended, o.extendedSync},
		{PhaseGapRepair, o.repairGaps},
		{PhaseValidation, o.validate},
	}

	var runErr error
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if !selected(opts.Phases, step.name) {
			continue
		}
		o.runPhase(ctx, r, step.name, step.fn)
	}

	// anything a phase left buffered after a failed flush gets one more try
	if counts, err := o.writer.FlushAll(context.WithoutCancel(ctx)); err != nil {
		log.WithError(err).Error("Failed to flush buffered records")
	} else if len(counts) > 0 {
		log.WithField("rows", counts).Info("Flushed buffered records")
	}

	r.report.Finish(o.now())
	if err := o.state.FinishSession(context.WithoutCancel(ctx), r.sessionID, r.report); err != nil {
		log.WithError(err).Error("Failed to store sync report")
		if runErr == nil {
			runErr = err
		}
	}
	o.emit("report cache", func() error { return o.cache.SetReport(context.WithoutCancel(ctx), r.report) })
	o.emit("report", func() error { return o.publisher.PublishReport(r.report) })

	log.WithFields(logrus.Fields{
		"successful":    r.report.Summary.Successful,
		"failed":        r.report.Summary.Failed,
		"skipped":       r.report.Summary.Skipped,
		"failed_phases": strings.Join(r.report.Summary.FailedPhases, ","),
		"duration":      time.Duration(r.report.DurationMS) * time.Millisecond,
	}).Info("Sync run finished")

	return r.report, runErr
}

// runPhase executes one phase unless it already completed for the target
func (o *Orchestrator) runPhase(ctx context.Context, r *run, name string, fn phaseFunc) {
	log := logger.WithPhase(o.log, name, r.report.TargetDate)
	started := o.now()

	scope, scoped := o.scope(ctx, r, name)
	if !r.opts.Force && scoped {
		status, ok, err := o.state.PhaseStatus(ctx, name, r.target, scope)
		if err != nil {
			log.WithError(err).Warn("Failed to read phase checkpoint")
		}
		if ok && status == models.PhaseCompleted {
			log.Info("Phase already completed for target date and scope, skipping")
			rep := &models.PhaseReport{Status: models.PhaseSkipped, StartedAt: started, Counts: map[string]int{}}
			r.report.AddPhase(name, rep)
			o.publishPhase(r, name, rep)
			metrics.PhaseDuration.WithLabelValues(name, string(models.PhaseSkipped)).Observe(0)
			return
		}
	}

	log.Info("Phase started")
	counts, status, err := o.safely(ctx, r, fn)
	if counts == nil {
		counts = map[string]int{}
	}
	rep := &models.PhaseReport{
		Status:     status,
		StartedAt:  started,
		DurationMS: o.now().Sub(started).Milliseconds(),
		Counts:     counts,
	}
	if err != nil {
		rep.Status = models.PhaseFailed
		rep.Error = err.Error()
		log.WithError(err).Error("Phase failed")
		o.emit("error", func() error {
			return o.publisher.PublishError(&messaging.ErrorEvent{
				SessionID: r.sessionID, Phase: name, Error: err.Error(), Timestamp: o.now(),
			})
		})
	} else {
		log.WithFields(logrus.Fields{"status": rep.Status, "duration_ms": rep.DurationMS}).Info("Phase finished")
	}

	metrics.PhaseDuration.WithLabelValues(name, string(rep.Status)).Observe(rep.Duration().Seconds())
	if err := o.state.RecordPhase(context.WithoutCancel(ctx), name, r.target, scope, r.sessionID, rep); err != nil {
		log.WithError(err).Error("Failed to record phase outcome")
	}
	r.report.AddPhase(name, rep)
	o.publishPhase(r, name, rep)
}

// scope fingerprints what a phase covers. Calendar and directory cover the
// market; the other phases cover the catalog, bar phases also the frequencies.
func (o *Orchestrator) scope(ctx context.Context, r *run, phase string) (string, bool) {
	switch phase {
	case PhaseCalendar, PhaseDirectory:
		return o.cfg.Market, true
	}
	catalog, err := o.symbols(ctx, r)
	if err != nil {
		return "", false
	}

	parts := append([]string(nil), catalog...)
	sort.Strings(parts)
	h := sha256.New()
	h.Write([]byte(strings.Join(parts, ",")))
	if phase == PhaseIncremental || phase == PhaseGapRepair {
		freqs := append([]string(nil), r.frequencies...)
		sort.Strings(freqs)
		h.Write([]byte("|" + strings.Join(freqs, ",")))
	}
	return hex.EncodeToString(h.Sum(nil))[:32], true
}

// safely turns a panic inside a phase into a phase error
func (o *Orchestrator) safely(ctx context.Context, r *run, fn phaseFunc) (counts map[string]int, status models.PhaseStatus, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("phase panicked: %v", p)
		}
	}()
	return fn(ctx, r)
}

func (o *Orchestrator) publishPhase(r *run, name string, rep *models.PhaseReport) {
	o.emit("phase", func() error {
		return o.publisher.PublishPhase(&messaging.PhaseEvent{
			SessionID:  r.sessionID,
			TargetDate: r.report.TargetDate,
			Phase:      name,
			Status:     rep.Status,
			Counts:     rep.Counts,
			DurationMS: rep.DurationMS,
			Error:      rep.Error,
			Timestamp:  o.now(),
		})
	})
}

// emit runs a side-channel call whose failure must not affect the run
func (o *Orchestrator) emit(what string, fn func() error) {
	if err := fn(); err != nil {
		o.log.WithError(err).WithField("event", what).Warn("Failed to publish")
	}
}

// clamp truncates target to a date and pulls future dates back to today
func (o *Orchestrator) clamp(target time.Time) time.Time {
	today := models.DateOf(o.now())
	if target.IsZero() {
		return today
	}
	target = models.DateOf(target)
	if target.After(today) {
		o.log.WithFields(logrus.Fields{
			"requested": models.FormatDate(target),
			"today":     models.FormatDate(today),
		}).Warn("Target date is in the future, using today")
		return today
	}
	return target
}

func (o *Orchestrator) frequencies(opts RunOptions) []string {
	src := opts.Frequencies
	if len(src) == 0 {
		src = o.cfg.Frequencies
	}
	var out []string
	seen := make(map[string]bool)
	for _, f := range src {
		f = strings.TrimSpace(f)
		if models.ValidFrequency(f) && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		out = []string{models.FrequencyDaily}
	}
	return out
}

// symbols returns the catalog of the run, loading active securities the
// first time when none were given
func (o *Orchestrator) symbols(ctx context.Context, r *run) ([]string, error) {
	if r.catalog != nil {
		return r.catalog, nil
	}
	if len(r.opts.Symbols) > 0 {
		r.catalog = dedupe(r.opts.Symbols)
		return r.catalog, nil
	}
	syms, err := o.db.ActiveSymbols(ctx)
	if err != nil {
		return nil, err
	}
	if len(syms) == 0 {
		return nil, errors.New("no active securities in the directory")
	}
	r.catalog = syms
	return syms, nil
}

func selected(phases []string, name string) bool {
	if len(phases) == 0 {
		return true
	}
	for _, p := range phases {
		if p == name {
			return true
		}
	}
	return false
}

func dedupe(list []string) []string {
	out := make([]string, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, s := range list {
		s = quality.NormalizeSymbol(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
