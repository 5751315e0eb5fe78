package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

// RunStore keeps tasks, runs, and documents in process memory.
type RunStore struct {
	mu        sync.RWMutex
	tasks     map[string]crawler.Task
	runs      map[string]crawler.Run
	documents map[string][]crawler.Document
	docIDs    map[string]struct{}
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		tasks:     make(map[string]crawler.Task),
		runs:      make(map[string]crawler.Run),
		documents: make(map[string][]crawler.Document),
		docIDs:    make(map[string]struct{}),
	}
}

// SaveTask creates or replaces a task definition.
func (s *RunStore) SaveTask(_ context.Context, task crawler.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task.URLs = append([]string(nil), task.URLs...)
	s.tasks[task.ID] = task
	return nil
}

// GetTask fetches a task by ID.
func (s *RunStore) GetTask(_ context.Context, taskID string) (crawler.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return crawler.Task{}, fmt.Errorf("task %s: %w", taskID, crawler.ErrNotFound)
	}
	return task, nil
}

// DeleteTask removes the task together with its runs and documents.
func (s *RunStore) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return fmt.Errorf("task %s: %w", taskID, crawler.ErrNotFound)
	}
	delete(s.tasks, taskID)
	for runID, run := range s.runs {
		if run.TaskID != taskID {
			continue
		}
		for _, doc := range s.documents[runID] {
			delete(s.docIDs, doc.ID)
		}
		delete(s.documents, runID)
		delete(s.runs, runID)
	}
	return nil
}

// CreateRun stores a new run.
func (s *RunStore) CreateRun(_ context.Context, run crawler.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	if _, ok := s.tasks[run.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", run.TaskID, crawler.ErrNotFound)
	}
	s.runs[run.ID] = run
	return nil
}

// UpdateRun applies a status transition and the latest counters.
func (s *RunStore) UpdateRun(_ context.Context, runID string, update crawler.RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, crawler.ErrNotFound)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s: %w", runID, crawler.ErrRunTerminal)
	}
	applyUpdate(&run, update)
	s.runs[runID] = run
	return nil
}

// RequestCancel flags a pending or running run for cancellation.
func (s *RunStore) RequestCancel(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, crawler.ErrNotFound)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s: %w", runID, crawler.ErrRunTerminal)
	}
	run.CancelRequested = true
	s.runs[runID] = run
	return nil
}

// IsCancelRequested reports whether cancellation was requested for the run.
func (s *RunStore) IsCancelRequested(_ context.Context, runID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return false, fmt.Errorf("run %s: %w", runID, crawler.ErrNotFound)
	}
	return run.CancelRequested, nil
}

// SaveDocument commits a document once.
func (s *RunStore) SaveDocument(_ context.Context, doc crawler.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[doc.RunID]; !ok {
		return fmt.Errorf("run %s: %w", doc.RunID, crawler.ErrNotFound)
	}
	if _, exists := s.docIDs[doc.ID]; exists {
		return fmt.Errorf("document %s: %w", doc.ID, crawler.ErrDocumentExists)
	}
	doc.Media = append([]crawler.MediaAsset(nil), doc.Media...)
	s.docIDs[doc.ID] = struct{}{}
	s.documents[doc.RunID] = append(s.documents[doc.RunID], doc)
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return crawler.Run{}, fmt.Errorf("run %s: %w", runID, crawler.ErrNotFound)
	}
	return run, nil
}

// ListDocuments returns the run's documents in commit order.
func (s *RunStore) ListDocuments(_ context.Context, runID string) ([]crawler.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("run %s: %w", runID, crawler.ErrNotFound)
	}
	docs := s.documents[runID]
	out := make([]crawler.Document, len(docs))
	copy(out, docs)
	return out, nil
}

func applyUpdate(run *crawler.Run, update crawler.RunUpdate) {
	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	run.Status = update.Status
	run.Counters = update.Counters
	run.ErrorMessage = update.ErrorMessage
	run.Stage2Configured = update.Stage2Configured
	run.ErrorLogPath = update.ErrorLogPath
	if update.StorageRoot != "" {
		run.StorageRoot = update.StorageRoot
	}
	if update.Stage2Summary != "" {
		run.Stage2Summary = update.Stage2Summary
	}
	if update.ManifestPath != "" {
		run.ManifestPath = update.ManifestPath
	}
	if update.Status == crawler.RunStatusRunning && run.StartedAt == nil {
		run.StartedAt = pointerTime(at)
	}
	if update.Status.Terminal() {
		run.FinishedAt = pointerTime(at)
	}
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
