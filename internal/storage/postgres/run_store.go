package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

// RunStore persists tasks, runs, and documents in Postgres.
type RunStore struct {
	db DB
}

// NewRunStore constructs a RunStore over an existing pool.
func NewRunStore(db DB) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{db: db}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// SaveTask upserts the task definition.
func (s *RunStore) SaveTask(ctx context.Context, task crawler.Task) error {
	definition, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	const query = `
INSERT INTO tasks (id, name, definition)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name, definition = EXCLUDED.definition`
	if _, err := s.db.Exec(ctx, query, task.ID, task.Name, definition); err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// GetTask loads a task definition.
func (s *RunStore) GetTask(ctx context.Context, taskID string) (crawler.Task, error) {
	var definition []byte
	err := s.db.QueryRow(ctx, `SELECT definition FROM tasks WHERE id = $1`, taskID).Scan(&definition)
	if err != nil {
		return crawler.Task{}, notFound(err, "select task")
	}
	var task crawler.Task
	if err := json.Unmarshal(definition, &task); err != nil {
		return crawler.Task{}, fmt.Errorf("decode task: %w", err)
	}
	return task, nil
}

// DeleteTask removes the task; runs and documents follow through ON DELETE CASCADE.
func (s *RunStore) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, crawler.ErrNotFound)
	}
	return nil
}

// CreateRun inserts a pending run.
func (s *RunStore) CreateRun(ctx context.Context, run crawler.Run) error {
	counters, err := json.Marshal(run.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	const query = `
INSERT INTO runs (id, task_id, task_name, status, created_at, counters, storage_root, stage2_summary)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.db.Exec(ctx, query,
		run.ID,
		run.TaskID,
		run.TaskName,
		string(run.Status),
		run.CreatedAt,
		counters,
		run.StorageRoot,
		run.Stage2Summary,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun applies a transition unless the run already finished.
func (s *RunStore) UpdateRun(ctx context.Context, runID string, update crawler.RunUpdate) error {
	counters, err := json.Marshal(update.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	const query = `
UPDATE runs SET
	status = $2,
	counters = $3,
	error_message = $4,
	stage2_configured = $5,
	stage2_summary = COALESCE(NULLIF($6, ''), stage2_summary),
	storage_root = COALESCE(NULLIF($7, ''), storage_root),
	manifest_path = COALESCE(NULLIF($8, ''), manifest_path),
	error_log_path = $9,
	started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN $10 ELSE started_at END,
	finished_at = CASE WHEN $2 IN ('completed', 'failed') THEN $10 ELSE finished_at END
WHERE id = $1 AND status NOT IN ('completed', 'failed')`
	tag, err := s.db.Exec(ctx, query,
		runID,
		string(update.Status),
		counters,
		update.ErrorMessage,
		update.Stage2Configured,
		update.Stage2Summary,
		update.StorageRoot,
		update.ManifestPath,
		update.ErrorLogPath,
		update.At,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainNoop(ctx, runID)
	}
	return nil
}

// RequestCancel flags a pending or running run.
func (s *RunStore) RequestCancel(ctx context.Context, runID string) error {
	const query = `
UPDATE runs SET cancel_requested = true
WHERE id = $1 AND status NOT IN ('completed', 'failed')`
	tag, err := s.db.Exec(ctx, query, runID)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainNoop(ctx, runID)
	}
	return nil
}

// IsCancelRequested reads the run's cancellation flag.
func (s *RunStore) IsCancelRequested(ctx context.Context, runID string) (bool, error) {
	var requested bool
	err := s.db.QueryRow(ctx, `SELECT cancel_requested FROM runs WHERE id = $1`, runID).Scan(&requested)
	if err != nil {
		return false, notFound(err, "select cancel flag")
	}
	return requested, nil
}

// SaveDocument inserts a document; an existing ID yields ErrDocumentExists.
func (s *RunStore) SaveDocument(ctx context.Context, doc crawler.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	const query = `
INSERT INTO documents (id, run_id, task_id, source_url, raw_markdown, cleaned_markdown, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`
	tag, err := s.db.Exec(ctx, query,
		doc.ID,
		doc.RunID,
		doc.TaskID,
		doc.SourceURL,
		doc.RawMarkdown,
		doc.CleanedMarkdown,
		payload,
		doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", doc.ID, crawler.ErrDocumentExists)
	}
	return nil
}

// GetRun loads a run row.
func (s *RunStore) GetRun(ctx context.Context, runID string) (crawler.Run, error) {
	const query = `
SELECT id, task_id, task_name, status, created_at, started_at, finished_at, counters,
	storage_root, error_message, stage2_configured, stage2_summary, manifest_path,
	error_log_path, cancel_requested
FROM runs WHERE id = $1`
	var (
		run      crawler.Run
		status   string
		counters []byte
	)
	err := s.db.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.TaskID,
		&run.TaskName,
		&status,
		&run.CreatedAt,
		&run.StartedAt,
		&run.FinishedAt,
		&counters,
		&run.StorageRoot,
		&run.ErrorMessage,
		&run.Stage2Configured,
		&run.Stage2Summary,
		&run.ManifestPath,
		&run.ErrorLogPath,
		&run.CancelRequested,
	)
	if err != nil {
		return crawler.Run{}, notFound(err, "select run")
	}
	run.Status = crawler.RunStatus(status)
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &run.Counters); err != nil {
			return crawler.Run{}, fmt.Errorf("decode counters: %w", err)
		}
	}
	return run, nil
}

// ListDocuments returns the run's documents in commit order.
func (s *RunStore) ListDocuments(ctx context.Context, runID string) ([]crawler.Document, error) {
	const query = `
SELECT payload, raw_markdown, cleaned_markdown
FROM documents WHERE run_id = $1
ORDER BY created_at, id`
	rows, err := s.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("select documents: %w", err)
	}
	defer rows.Close()

	var docs []crawler.Document
	for rows.Next() {
		var (
			payload []byte
			doc     crawler.Document
		)
		if err := rows.Scan(&payload, &doc.RawMarkdown, &doc.CleanedMarkdown); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		raw, cleaned := doc.RawMarkdown, doc.CleanedMarkdown
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		doc.RawMarkdown, doc.CleanedMarkdown = raw, cleaned
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// explainNoop distinguishes a missing run from a terminal one after a zero-row update.
func (s *RunStore) explainNoop(ctx context.Context, runID string) error {
	var status string
	err := s.db.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("run %s: %w", runID, crawler.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("select run status: %w", err)
	}
	return fmt.Errorf("run %s: %w", runID, crawler.ErrRunTerminal)
}
