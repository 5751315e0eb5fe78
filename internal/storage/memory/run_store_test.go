package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	ctx := context.Background()
	task := crawler.Task{ID: "task-1", Name: "prices", URLs: []string{"https://example.com"}}
	require.NoError(t, store.SaveTask(ctx, task))

	run := crawler.Run{ID: "run-1", TaskID: task.ID, Status: crawler.RunStatusPending}
	require.NoError(t, store.CreateRun(ctx, run))
	require.Error(t, store.CreateRun(ctx, run))

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateRun(ctx, run.ID, crawler.RunUpdate{
		Status:      crawler.RunStatusRunning,
		At:          start,
		StorageRoot: "2025-03-01/run-1",
	}))

	doc := crawler.Document{ID: "doc-1", RunID: run.ID, TaskID: task.ID, SourceURL: "https://example.com"}
	require.NoError(t, store.SaveDocument(ctx, doc))
	err := store.SaveDocument(ctx, doc)
	require.True(t, errors.Is(err, crawler.ErrDocumentExists))

	docs, err := store.ListDocuments(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	docs[0].SourceURL = "modified"
	again, err := store.ListDocuments(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, "https://example.com", again[0].SourceURL)

	require.NoError(t, store.UpdateRun(ctx, run.ID, crawler.RunUpdate{
		Status:        crawler.RunStatusCompleted,
		At:            start.Add(time.Minute),
		Counters:      crawler.RunCounters{URLsCrawled: 1, DocumentsCreated: 1},
		Stage2Summary: crawler.Stage2Disabled,
	}))
	final, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.RunStatusCompleted, final.Status)
	require.Equal(t, start, *final.StartedAt)
	require.Equal(t, start.Add(time.Minute), *final.FinishedAt)
	require.Equal(t, "2025-03-01/run-1", final.StorageRoot)
	require.Equal(t, 1, final.Counters.DocumentsCreated)

	err = store.UpdateRun(ctx, run.ID, crawler.RunUpdate{Status: crawler.RunStatusFailed})
	require.True(t, errors.Is(err, crawler.ErrRunTerminal))
	err = store.RequestCancel(ctx, run.ID)
	require.True(t, errors.Is(err, crawler.ErrRunTerminal))
}

func TestRunStoreCancel(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	ctx := context.Background()
	require.NoError(t, store.SaveTask(ctx, crawler.Task{ID: "t"}))
	require.NoError(t, store.CreateRun(ctx, crawler.Run{ID: "r", TaskID: "t", Status: crawler.RunStatusPending}))

	requested, err := store.IsCancelRequested(ctx, "r")
	require.NoError(t, err)
	require.False(t, requested)

	require.NoError(t, store.RequestCancel(ctx, "r"))
	requested, err = store.IsCancelRequested(ctx, "r")
	require.NoError(t, err)
	require.True(t, requested)

	_, err = store.IsCancelRequested(ctx, "missing")
	require.True(t, errors.Is(err, crawler.ErrNotFound))
}

func TestRunStoreDeleteTaskCascades(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	ctx := context.Background()
	require.NoError(t, store.SaveTask(ctx, crawler.Task{ID: "t1"}))
	require.NoError(t, store.SaveTask(ctx, crawler.Task{ID: "t2"}))
	require.NoError(t, store.CreateRun(ctx, crawler.Run{ID: "r1", TaskID: "t1"}))
	require.NoError(t, store.CreateRun(ctx, crawler.Run{ID: "r2", TaskID: "t2"}))
	require.NoError(t, store.SaveDocument(ctx, crawler.Document{ID: "d1", RunID: "r1"}))

	require.NoError(t, store.DeleteTask(ctx, "t1"))

	_, err := store.GetTask(ctx, "t1")
	require.True(t, errors.Is(err, crawler.ErrNotFound))
	_, err = store.GetRun(ctx, "r1")
	require.True(t, errors.Is(err, crawler.ErrNotFound))
	_, err = store.GetRun(ctx, "r2")
	require.NoError(t, err)

	require.NoError(t, store.SaveTask(ctx, crawler.Task{ID: "t1"}))
	require.NoError(t, store.CreateRun(ctx, crawler.Run{ID: "r1", TaskID: "t1"}))
	require.NoError(t, store.SaveDocument(ctx, crawler.Document{ID: "d1", RunID: "r1"}))

	err = store.DeleteTask(ctx, "unknown")
	require.True(t, errors.Is(err, crawler.ErrNotFound))
}
