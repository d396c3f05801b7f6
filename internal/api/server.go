// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leadharvest/harvester/internal/campaign"
	"github.com/leadharvest/harvester/internal/config"
	"github.com/leadharvest/harvester/internal/discovery"
	"github.com/leadharvest/harvester/internal/engine"
	"github.com/leadharvest/harvester/internal/metrics"
	"github.com/leadharvest/harvester/internal/report"
	"github.com/leadharvest/harvester/internal/scheduler"
)

// TaskReader is the store surface the API reads tasks from.
type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (engine.Task, error)
}

// Server wires HTTP handlers to the orchestration components.
type Server struct {
	router    chi.Router
	scheduler *scheduler.Scheduler
	campaigns *campaign.Controller
	pool      *discovery.Pool
	reporter  *report.Reporter
	tasks     TaskReader
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	sched *scheduler.Scheduler,
	campaigns *campaign.Controller,
	pool *discovery.Pool,
	reporter *report.Reporter,
	tasks TaskReader,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		scheduler: sched,
		campaigns: campaigns,
		pool:      pool,
		reporter:  reporter,
		tasks:     tasks,
		cfg:       cfg,
		logger:    logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.getOverview)
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.addTask)
			r.Get("/{task_id}", s.getTaskStatus)
		})
		r.Route("/batch", func(r chi.Router) {
			r.Post("/start", s.startBatch)
			r.Post("/stop", s.stopBatch)
			r.Get("/status", s.getBatchStatus)
		})
		r.Route("/discovery", func(r chi.Router) {
			r.Post("/run", s.runDiscovery)
			r.Post("/stop", s.stopDiscovery)
			r.Get("/status", s.getDiscoveryStatus)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

type addTaskRequest struct {
	SearchTerm string            `json:"search_term"`
	State      string            `json:"state"`
	City       string            `json:"city"`
	MaxResults int               `json:"max_results"`
	Tags       map[string]string `json:"tags"`
}

func (s *Server) addTask(w http.ResponseWriter, r *http.Request) {
	var req addTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SearchTerm == "" {
		writeError(s.logger, w, http.StatusBadRequest, "search_term is required")
		return
	}
	taskID, err := s.scheduler.Enqueue(r.Context(), req.SearchTerm, engine.TaskParams{
		State:      req.State,
		City:       req.City,
		MaxResults: req.MaxResults,
		Tags:       req.Tags,
	})
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) getTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, err := s.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(s.logger, w, http.StatusNotFound, "task not found")
			return
		}
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"task": task})
}

type startBatchRequest struct {
	SearchTerm     string   `json:"search_term"`
	States         []string `json:"states"`
	CitiesPerState int      `json:"cities_per_state"`
}

func (s *Server) startBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	// The campaign outlives this request; detach from the handler's
	// cancellation while keeping request-scoped values.
	summary, err := s.campaigns.Start(context.WithoutCancel(r.Context()), req.SearchTerm, req.States, campaign.Options{
		CitiesPerState: req.CitiesPerState,
	})
	if err != nil {
		if errors.Is(err, engine.ErrAlreadyRunning) {
			writeError(s.logger, w, http.StatusConflict, "a campaign is already running")
			return
		}
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, summary)
}

func (s *Server) stopBatch(w http.ResponseWriter, r *http.Request) {
	snap, err := s.campaigns.Stop(r.Context())
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusOK, snap)
}

func (s *Server) getBatchStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, s.reporter.BatchStatus())
}

type runDiscoveryRequest struct {
	Limit int `json:"limit"`
}

func (s *Server) runDiscovery(w http.ResponseWriter, r *http.Request) {
	var req runDiscoveryRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	// Discovery runs past the response; same detachment as startBatch.
	queued, err := s.pool.RunPending(context.WithoutCancel(r.Context()), req.Limit)
	if err != nil {
		if errors.Is(err, engine.ErrAlreadyRunning) {
			writeError(s.logger, w, http.StatusConflict, "discovery is already running")
			return
		}
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]int{"queued": queued})
}

func (s *Server) stopDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, s.pool.Stop())
}

func (s *Server) getDiscoveryStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, s.reporter.TaskFinderStatus())
}

func (s *Server) getOverview(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, s.reporter.Overview())
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)
			metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, elapsed)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", elapsed.Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(logger, w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(zap.NewNop(), w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
