// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawl/internal/config"
	"github.com/JakeFAU/stagecrawl/internal/crawler"
	"github.com/JakeFAU/stagecrawl/internal/metrics"
	"github.com/JakeFAU/stagecrawl/internal/taskdef"
)

const (
	maxBodyBytes  = 1 << 20
	submitTimeout = 5 * time.Second
)

// Submitter hands pending runs to the worker pool.
type Submitter interface {
	Submit(ctx context.Context, item crawler.QueueItem) error
}

// LogSigner issues temporary links for run log artifacts.
type LogSigner interface {
	Presign(ctx context.Context, objectPath string, ttl time.Duration) (string, time.Time, error)
}

// ReadinessCheck reports whether a downstream dependency is reachable.
type ReadinessCheck func(ctx context.Context) error

// Deps bundles the collaborators used by the HTTP handlers.
type Deps struct {
	Runs      crawler.RunStore
	Ledger    crawler.DedupLedger
	Submitter Submitter
	Signer    LogSigner
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Checks    map[string]ReadinessCheck
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger}

	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.submitRun)
			r.Post("/standard", s.submitStandardRun)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/status", s.getRunStatus)
				r.Get("/result", s.getRunResult)
				r.Get("/logs", s.getRunLogs)
				r.Post("/cancel", s.cancelRun)
			})
		})
		r.Delete("/tasks/{task_id}", s.deleteTask)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for name, check := range s.deps.Checks {
		if err := check(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failures})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitResponse struct {
	RunID  string `json:"run_id"`
	TaskID string `json:"task_id"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	task, err := taskdef.Parse(unwrapTask(body), taskdef.FormatJSON)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.startRun(w, r, task)
}

type standardRunRequest struct {
	Name string `json:"name"`
}

func (s *Server) submitStandardRun(w http.ResponseWriter, r *http.Request) {
	var req standardRunRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "missing task name")
		return
	}
	path, ok := s.cfg.StandardTasks[req.Name]
	if !ok {
		s.writeError(w, http.StatusNotFound, "standard task not found")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Error("read standard task failed", zap.String("name", req.Name), zap.String("path", path), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "standard task unreadable")
		return
	}
	task, err := taskdef.Parse(data, taskdef.FormatFromPath(path))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.startRun(w, r, task)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request, task crawler.Task) {
	runID, err := s.enqueueRun(r.Context(), task)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("submit run failed", zap.String("task_id", task.ID), zap.Error(err))
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{RunID: runID, TaskID: task.ID})
}

func (s *Server) enqueueRun(ctx context.Context, task crawler.Task) (string, error) {
	runID, err := s.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	if err := s.deps.Runs.SaveTask(ctx, task); err != nil {
		return "", fmt.Errorf("save task: %w", err)
	}
	now := s.deps.Clock.Now()
	run := crawler.Run{
		ID:        runID,
		TaskID:    task.ID,
		TaskName:  task.Name,
		Status:    crawler.RunStatusPending,
		CreatedAt: now,
		Counters:  crawler.RunCounters{URLsTotal: len(task.URLs)},
	}
	if err := s.deps.Runs.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	item := crawler.QueueItem{
		RunID:     runID,
		TaskID:    task.ID,
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := s.deps.Submitter.Submit(queueCtx, item); err != nil {
		return "", fmt.Errorf("enqueue run: %w", err)
	}
	return runID, nil
}

type statusResponse struct {
	RunID        string              `json:"run_id"`
	TaskID       string              `json:"task_id"`
	Status       crawler.RunStatus   `json:"status"`
	Counters     crawler.RunCounters `json:"counters"`
	StorageRoot  string              `json:"storage_root"`
	ErrorMessage *string             `json:"error_message"`
	Stage2       string              `json:"stage2"`
	StartedAt    *time.Time          `json:"started_at"`
	FinishedAt   *time.Time          `json:"finished_at"`
}

func (s *Server) getRunStatus(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{
		RunID:        run.ID,
		TaskID:       run.TaskID,
		Status:       run.Status,
		Counters:     run.Counters,
		StorageRoot:  run.StorageRoot,
		ErrorMessage: run.ErrorMessage,
		Stage2:       run.Stage2Summary,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
	})
}

func (s *Server) getRunResult(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	docs, err := s.deps.Runs.ListDocuments(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("list documents failed", zap.String("run_id", run.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to fetch run documents")
		return
	}
	if docs == nil {
		docs = []crawler.Document{}
	}
	s.writeJSON(w, http.StatusOK, crawler.RunResult{Run: run, Documents: docs})
}

type logsResponse struct {
	RunID       string    `json:"run_id"`
	ManifestURL string    `json:"manifest_url"`
	ErrorLogURL *string   `json:"error_log_url,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *Server) getRunLogs(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if !run.Status.Terminal() || run.ManifestPath == "" {
		s.writeError(w, http.StatusConflict, "run logs not available yet")
		return
	}
	ttl := s.cfg.PresignTTL()
	manifestURL, expires, err := s.deps.Signer.Presign(r.Context(), run.ManifestPath, ttl)
	if err != nil {
		s.logger.Error("presign manifest failed", zap.String("run_id", run.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to sign run logs")
		return
	}
	resp := logsResponse{RunID: run.ID, ManifestURL: manifestURL, ExpiresAt: expires}
	if run.ErrorLogPath != nil {
		errURL, _, err := s.deps.Signer.Presign(r.Context(), *run.ErrorLogPath, ttl)
		if err != nil {
			s.logger.Error("presign error log failed", zap.String("run_id", run.ID), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to sign run logs")
			return
		}
		resp.ErrorLogURL = &errURL
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	err := s.deps.Runs.RequestCancel(r.Context(), runID)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, crawler.ErrRunTerminal):
		s.writeError(w, http.StatusConflict, "run already finished")
	case err != nil:
		s.logger.Error("cancel run failed", zap.String("run_id", runID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to cancel run")
	default:
		s.writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "cancel_requested": true})
	}
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if err := s.deps.Runs.DeleteTask(r.Context(), taskID); err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("delete task failed", zap.String("task_id", taskID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to delete task")
		return
	}
	if s.deps.Ledger != nil {
		if err := s.deps.Ledger.ForgetTask(r.Context(), taskID); err != nil {
			s.logger.Error("forget dedup entries failed", zap.String("task_id", taskID), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to clear dedup entries")
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (crawler.Run, bool) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.deps.Runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
		} else {
			s.logger.Error("load run failed", zap.String("run_id", runID), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to load run")
		}
		return crawler.Run{}, false
	}
	return run, true
}

// unwrapTask accepts either a bare task object or {"task": {...}}.
func unwrapTask(body []byte) []byte {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return body
	}
	if inner, ok := envelope["task"]; ok && len(envelope) == 1 {
		return inner
	}
	return body
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("error", rec),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}` + "\n"))
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

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
