package crawler

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRunTerminal is returned when mutating a run that already finished.
	ErrRunTerminal = errors.New("run is terminal")
	// ErrDocumentExists is returned when a document is committed twice.
	ErrDocumentExists = errors.New("document already committed")
	// ErrQueueClosed is returned by queues that no longer deliver items.
	ErrQueueClosed = errors.New("queue closed")
)

// RunStore persists tasks, runs, and documents.
type RunStore interface {
	SaveTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	// DeleteTask removes the task and cascades to its runs, documents, and dedup entries.
	DeleteTask(ctx context.Context, taskID string) error
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, runID string, update RunUpdate) error
	RequestCancel(ctx context.Context, runID string) error
	IsCancelRequested(ctx context.Context, runID string) (bool, error)
	// SaveDocument commits a document; a second commit with the same ID fails with ErrDocumentExists.
	SaveDocument(ctx context.Context, doc Document) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListDocuments(ctx context.Context, runID string) ([]Document, error)
}

// DedupLedger tracks which URLs a task has already visited.
type DedupLedger interface {
	ShouldSkip(ctx context.Context, taskID, url string) (bool, error)
	// Claim inserts a first-visit entry atomically. It returns false when an entry already exists.
	Claim(ctx context.Context, taskID, url string, at time.Time) (bool, error)
	// Release removes an entry created by Claim whose crawl did not succeed.
	Release(ctx context.Context, taskID, url string) error
	// RecordVisit creates the entry or increments its crawl count.
	RecordVisit(ctx context.Context, taskID, url string, at time.Time) (DedupEntry, error)
	Get(ctx context.Context, taskID, url string) (DedupEntry, error)
	// ForgetTask drops every entry recorded for the task.
	ForgetTask(ctx context.Context, taskID string) error
}

// BlobStore persists artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Presigner issues time-limited URLs for stored artifacts.
type Presigner interface {
	SignURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// Publisher emits notifications about finished runs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher retrieves pages and assets.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a probe response needs a rendered fetch.
type HeadlessDetector interface {
	ShouldPromote(resp FetchResponse) bool
}

// RateLimiter paces requests per host.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// Queue abstracts the run queue transport.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// QueueItem represents a run waiting for a worker.
type QueueItem struct {
	RunID     string
	TaskID    string
	Attempt   int
	Submitted int64
}

// Hasher computes content hashes.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock abstracts time for deterministic testing.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
