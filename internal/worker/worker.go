// Package worker runs tasks: it crawls each URL, cleans and extracts the
// content, downloads media, archives everything, and records the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawl/internal/archive"
	"github.com/JakeFAU/stagecrawl/internal/content"
	"github.com/JakeFAU/stagecrawl/internal/crawler"
	"github.com/JakeFAU/stagecrawl/internal/extract"
	"github.com/JakeFAU/stagecrawl/internal/logging"
	"github.com/JakeFAU/stagecrawl/internal/media"
	"github.com/JakeFAU/stagecrawl/internal/metrics"
	"github.com/JakeFAU/stagecrawl/internal/progress"
	"github.com/JakeFAU/stagecrawl/internal/taskdef"
)

// ErrorCancelled is the error message recorded on runs stopped by a cancel request.
const ErrorCancelled = "run cancelled"

// Config controls Worker behavior.
type Config struct {
	// Topic receives run-completed notifications.
	Topic           string
	FetchTimeout    time.Duration
	HeadlessAllowed bool
	RespectRobots   bool
	MaxRetries      int
	RetryBackoff    time.Duration
	MediaEnabled    bool
	MediaMaxPerPage int
}

// Deps groups the collaborators a Worker drives.
type Deps struct {
	Runs      crawler.RunStore
	Ledger    crawler.DedupLedger
	Probe     crawler.Fetcher
	Headless  crawler.Fetcher
	Detector  crawler.HeadlessDetector
	Limiter   crawler.RateLimiter
	Cleaner   *content.Cleaner
	Extractor *extract.Extractor
	Acquirer  *media.Acquirer
	Archivist *archive.Archivist
	Resolver  *taskdef.Resolver
	Publisher crawler.Publisher
	Progress  progress.Emitter
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
}

// Worker executes runs one at a time.
type Worker struct {
	deps   Deps
	cfg    Config
	retry  *retryPolicy
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard{}
	}
	if deps.Cleaner == nil {
		deps.Cleaner = content.NewCleaner(content.WithLogger(logger))
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		retry:  newRetryPolicy(cfg.MaxRetries, cfg.RetryBackoff),
		logger: logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context, queue crawler.Queue) {
	for {
		item, err := queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued run", zap.String("run_id", item.RunID))
		metrics.IncActiveWorkers()
		if _, err := w.Process(ctx, item.RunID); err != nil {
			w.logger.Error("run processing failed", zap.String("run_id", item.RunID), zap.Error(err))
		}
		metrics.DecActiveWorkers()
	}
}

// runState accumulates per-run outcomes while the URL loop executes.
type runState struct {
	run              crawler.Run
	task             crawler.Task
	resolved         taskdef.Resolved
	session          *archive.Session
	logger           *zap.Logger
	counters         crawler.RunCounters
	errors           []crawler.RunError
	documents        []crawler.Document
	stage2Configured bool
	cancelled        bool
}

func (s *runState) recordError(stage crawler.ErrorStage, rawURL, msg string, at time.Time) {
	s.errors = append(s.errors, crawler.RunError{Stage: stage, URL: rawURL, Message: msg, Timestamp: at})
	s.counters.Errors = len(s.errors)
}

// Process executes the run to a terminal state and returns the final run
// record. The returned error is non-nil only when the run could not be loaded
// or its terminal state could not be recorded; per-URL failures are part of the
// run outcome instead.
func (w *Worker) Process(ctx context.Context, runID string) (crawler.Run, error) {
	run, err := w.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return crawler.Run{}, fmt.Errorf("load run: %w", err)
	}
	if run.Status.Terminal() {
		return run, nil
	}
	task, err := w.deps.Runs.GetTask(ctx, run.TaskID)
	if err != nil {
		return run, w.finishEarly(ctx, run, fmt.Errorf("load task: %w", err))
	}

	startedAt := w.deps.Clock.Now()
	state := &runState{
		run:      run,
		task:     task,
		session:  w.deps.Archivist.Begin(run.ID, startedAt),
		logger:   logging.ForRun(w.logger, run.ID, task.ID),
		counters: crawler.RunCounters{URLsTotal: len(task.URLs)},
	}
	state.run.StartedAt = &startedAt
	state.run.StorageRoot = state.session.Root()

	if err := w.deps.Runs.UpdateRun(ctx, run.ID, crawler.RunUpdate{
		Status:      crawler.RunStatusRunning,
		At:          startedAt,
		Counters:    state.counters,
		StorageRoot: state.run.StorageRoot,
	}); err != nil {
		return state.run, fmt.Errorf("mark run running: %w", err)
	}
	state.run.Status = crawler.RunStatusRunning
	w.emit(state, progress.Event{Stage: progress.StageRunStart, Note: task.Name})
	state.logger.Info("run started", zap.Int("urls", len(task.URLs)), zap.String("storage_root", state.run.StorageRoot))

	resolved, err := w.deps.Resolver.Resolve(task)
	if err != nil {
		return w.finish(ctx, state, fmt.Errorf("resolve task sources: %w", err))
	}
	state.resolved = resolved
	state.stage2Configured = resolved.Identity.Complete() && strings.TrimSpace(resolved.Prompt) != ""

	return w.finish(ctx, state, w.crawl(ctx, state))
}

// crawl runs the per-URL loop. Only infrastructure failures are returned.
func (w *Worker) crawl(ctx context.Context, state *runState) error {
	for _, rawURL := range state.task.URLs {
		cancelled, err := w.deps.Runs.IsCancelRequested(ctx, state.run.ID)
		if err != nil {
			return fmt.Errorf("check cancellation: %w", err)
		}
		if cancelled {
			state.cancelled = true
			state.logger.Info("run cancelled")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run interrupted: %w", err)
		}

		if err := w.handleURL(ctx, state, rawURL); err != nil {
			return err
		}

		if err := w.deps.Runs.UpdateRun(ctx, state.run.ID, crawler.RunUpdate{
			Status:      crawler.RunStatusRunning,
			At:          w.deps.Clock.Now(),
			Counters:    state.counters,
			StorageRoot: state.run.StorageRoot,
		}); err != nil {
			return fmt.Errorf("update run progress: %w", err)
		}
	}
	return nil
}

// finish writes the run logs, records the terminal state, publishes the
// notification and emits the final progress event. cause is the
// infrastructure error that stopped the run, if any.
func (w *Worker) finish(ctx context.Context, state *runState, cause error) (crawler.Run, error) {
	// Terminal bookkeeping must survive shutdown of the caller's context.
	ctx = context.WithoutCancel(ctx)

	finishedAt := w.deps.Clock.Now()
	run := state.run
	run.FinishedAt = &finishedAt
	run.Counters = state.counters
	run.Stage2Configured = state.stage2Configured
	run.Stage2Summary = crawler.Stage2Summary(state.stage2Configured, state.counters)
	run.Status = crawler.RunStatusCompleted
	switch {
	case cause != nil:
		run.Status = crawler.RunStatusFailed
		msg := cause.Error()
		run.ErrorMessage = &msg
	case state.cancelled:
		msg := ErrorCancelled
		run.ErrorMessage = &msg
	}

	paths, err := state.session.WriteRunLogs(ctx, archive.RunLog{
		Run:          run,
		Task:         state.task,
		Identity:     state.resolved.Identity,
		PromptSource: taskdef.PromptLabel(state.resolved.PromptSource),
		SchemaSource: taskdef.SchemaLabel(state.resolved.SchemaSource),
		Documents:    state.documents,
		Errors:       state.errors,
	})
	if err != nil {
		state.logger.Error("write run logs failed", zap.Error(err))
		if cause == nil {
			run.Status = crawler.RunStatusFailed
			msg := fmt.Sprintf("write run logs: %v", err)
			run.ErrorMessage = &msg
		}
	} else {
		run.ManifestPath = paths.ManifestPath
		run.ErrorLogPath = paths.ErrorLogPath
	}

	if err := w.deps.Runs.UpdateRun(ctx, run.ID, crawler.RunUpdate{
		Status:           run.Status,
		At:               finishedAt,
		Counters:         run.Counters,
		StorageRoot:      run.StorageRoot,
		ErrorMessage:     run.ErrorMessage,
		Stage2Configured: run.Stage2Configured,
		Stage2Summary:    run.Stage2Summary,
		ManifestPath:     run.ManifestPath,
		ErrorLogPath:     run.ErrorLogPath,
	}); err != nil {
		return run, fmt.Errorf("record terminal state: %w", err)
	}
	metrics.ObserveRun(string(run.Status))

	w.publish(ctx, state.logger, run)

	fields := []zap.Field{
		zap.String("status", string(run.Status)),
		zap.Int("urls_crawled", run.Counters.URLsCrawled),
		zap.Int("urls_failed", run.Counters.URLsFailed),
		zap.Int("urls_skipped", run.Counters.URLsSkipped),
		zap.String("stage2", run.Stage2Summary),
	}
	if run.Status == crawler.RunStatusFailed {
		w.emit(state, progress.Event{Stage: progress.StageRunError, Note: *run.ErrorMessage})
		state.logger.Error("run failed", append(fields, zap.String("error", *run.ErrorMessage))...)
	} else {
		w.emit(state, progress.Event{Stage: progress.StageRunDone, Note: run.Stage2Summary})
		state.logger.Info("run completed", fields...)
	}
	return run, nil
}

// finishEarly fails a run whose task could not be loaded.
func (w *Worker) finishEarly(ctx context.Context, run crawler.Run, cause error) error {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	if err := w.deps.Runs.UpdateRun(ctx, run.ID, crawler.RunUpdate{
		Status:       crawler.RunStatusFailed,
		At:           w.deps.Clock.Now(),
		ErrorMessage: &msg,
	}); err != nil {
		return errors.Join(cause, fmt.Errorf("record terminal state: %w", err))
	}
	metrics.ObserveRun(string(crawler.RunStatusFailed))
	w.deps.Progress.Emit(progress.Event{
		RunID: run.ID, TaskID: run.TaskID, TS: w.deps.Clock.Now(),
		Stage: progress.StageRunError, Note: msg,
	})
	return cause
}

func (w *Worker) publish(ctx context.Context, logger *zap.Logger, run crawler.Run) {
	if w.deps.Publisher == nil {
		return
	}
	payload := map[string]any{
		"run_id":        run.ID,
		"task_id":       run.TaskID,
		"status":        run.Status,
		"counters":      run.Counters,
		"stage2":        run.Stage2Summary,
		"manifest_path": run.ManifestPath,
	}
	id, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, payload)
	if err != nil {
		logger.Warn("publish run notification failed", zap.Error(err))
		return
	}
	logger.Debug("run notification published", zap.String("message_id", id))
}

func (w *Worker) emit(state *runState, evt progress.Event) {
	evt.RunID = state.run.ID
	evt.TaskID = state.task.ID
	if evt.TS.IsZero() {
		evt.TS = w.deps.Clock.Now()
	}
	w.deps.Progress.Emit(evt)
}

func siteOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
