// Package server exposes health, metrics and sync reports over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/market-sync/internal/database"
	"github.com/market-sync/internal/messaging"
	"github.com/market-sync/internal/syncstate"
	"github.com/market-sync/pkg/config"
	"github.com/market-sync/pkg/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// ReportCache serves the latest report mirrored by sync runs.
// *cache.RedisClient implements it.
type ReportCache interface {
	LatestReport(ctx context.Context) (*models.SyncReport, bool, error)
	Health(ctx context.Context) error
}

// Events is the event bus connection. *messaging.NATSClient implements it.
type Events interface {
	IsConnected() bool
	SubscribeReports(handler func(*models.SyncReport)) error
	Unsubscribe(subject string) error
}

// Server represents the ops HTTP server
type Server struct {
	cfg        *config.ServerConfig
	logger     *logrus.Entry
	router     *mux.Router
	httpServer *http.Server

	db     *database.Client
	state  *syncstate.Store
	cache  ReportCache
	events Events

	mu     sync.RWMutex
	latest *models.SyncReport
}

// Option configures a Server
type Option func(*Server)

// WithCache serves reports from the cache before the store
func WithCache(c ReportCache) Option {
	return func(s *Server) { s.cache = c }
}

// WithEvents keeps the latest report published on the event bus in memory
func WithEvents(e Events) Option {
	return func(s *Server) { s.events = e }
}

// New creates the server and registers its routes
func New(cfg *config.ServerConfig, db *database.Client, state *syncstate.Store, logger *logrus.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger.WithField("component", "server"),
		db:     db,
		state:  state,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/reports/latest", s.handleLatestReport).Methods(http.MethodGet)
	s.router.HandleFunc("/reports/{id}", s.handleReport).Methods(http.MethodGet)
	s.router.HandleFunc("/status/{date}", s.handleStatus).Methods(http.MethodGet)
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return handlers.CompressHandler(handlers.ProxyHeaders(s.router))
}

// Start subscribes to reports when an event bus is configured and serves
// until Stop is called
func (s *Server) Start() error {
	if s.events != nil {
		if err := s.events.SubscribeReports(s.observeReport); err != nil {
			s.logger.WithError(err).Warn("Report subscription unavailable")
		}
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.WithField("address", addr).Info("Starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve on %s: %w", addr, err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.events != nil {
		if err := s.events.Unsubscribe(messaging.SubjectReport); err != nil {
			s.logger.WithError(err).Warn("Failed to unsubscribe from reports")
		}
	}
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// observeReport keeps the newest report seen on the bus
func (s *Server) observeReport(r *models.SyncReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil || !r.StartedAt.Before(s.latest.StartedAt) {
		s.latest = r
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   wrapped.statusCode,
			"duration": time.Since(start),
		}).Debug("HTTP request")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.WithFields(logrus.Fields{
					"error": err,
					"path":  r.URL.Path,
				}).Error("Panic recovered")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// handleHealth reports the store and optional backends
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	services := map[string]string{}
	healthy := true

	if err := s.db.Health(ctx); err != nil {
		services["store"] = "unhealthy: " + err.Error()
		healthy = false
	} else {
		services["store"] = "healthy"
	}
	if s.cache != nil {
		if err := s.cache.Health(ctx); err != nil {
			services["redis"] = "unhealthy: " + err.Error()
		} else {
			services["redis"] = "healthy"
		}
	}
	if s.events != nil {
		if s.events.IsConnected() {
			services["nats"] = "healthy"
		} else {
			services["nats"] = "disconnected"
		}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"services":  services,
		"timestamp": time.Now().Unix(),
	})
}

// handleLatestReport serves the newest report from the bus, the cache or
// the session table, in that order
func (s *Server) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s.mu.RLock()
	latest := s.latest
	s.mu.RUnlock()

	if s.cache != nil {
		cached, ok, err := s.cache.LatestReport(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to read cached report")
		} else if ok && (latest == nil || cached.StartedAt.After(latest.StartedAt)) {
			latest = cached
		}
	}

	if latest == nil {
		sess, err := s.state.LatestSession(ctx)
		if err != nil {
			s.logger.WithError(err).Error("Failed to read latest session")
			http.Error(w, "Failed to retrieve report", http.StatusInternalServerError)
			return
		}
		if sess != nil {
			latest = sess.Report
		}
	}

	if latest == nil {
		http.Error(w, "No sync report available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

// handleReport serves the stored session of one run
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := s.state.Session(r.Context(), id)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", id).Error("Failed to read session")
		http.Error(w, "Failed to retrieve report", http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.Error(w, "Unknown session", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleStatus counts extended sync checkpoints and phase outcomes for a
// target date
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	target, err := models.ParseDate(mux.Vars(r)["date"])
	if err != nil {
		http.Error(w, "Invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	counts, err := s.state.CountByStatus(r.Context(), target)
	if err != nil {
		s.logger.WithError(err).Error("Failed to count sync status")
		http.Error(w, "Failed to retrieve status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"target_date": models.FormatDate(target),
		"status":      counts,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// responseWriter captures the status code for logging
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
