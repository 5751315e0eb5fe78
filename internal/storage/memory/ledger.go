package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

type ledgerKey struct {
	taskID string
	url    string
}

// Ledger is a mutex-guarded dedup ledger.
type Ledger struct {
	mu      sync.Mutex
	entries map[ledgerKey]crawler.DedupEntry
}

// NewLedger constructs an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[ledgerKey]crawler.DedupEntry)}
}

// ShouldSkip reports whether the URL was already visited under the task.
func (l *Ledger) ShouldSkip(_ context.Context, taskID, url string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[ledgerKey{taskID, url}]
	return ok, nil
}

// Claim inserts a first-visit entry unless one exists.
func (l *Ledger) Claim(_ context.Context, taskID, url string, at time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey{taskID, url}
	if _, ok := l.entries[key]; ok {
		return false, nil
	}
	l.entries[key] = crawler.DedupEntry{
		TaskID:         taskID,
		URL:            url,
		FirstCrawledAt: at,
		LastCrawledAt:  at,
		CrawlCount:     1,
	}
	return true, nil
}

// Release removes a claimed entry.
func (l *Ledger) Release(_ context.Context, taskID, url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, ledgerKey{taskID, url})
	return nil
}

// RecordVisit creates the entry or bumps its crawl count.
func (l *Ledger) RecordVisit(_ context.Context, taskID, url string, at time.Time) (crawler.DedupEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey{taskID, url}
	entry, ok := l.entries[key]
	if !ok {
		entry = crawler.DedupEntry{TaskID: taskID, URL: url, FirstCrawledAt: at}
	}
	entry.LastCrawledAt = at
	entry.CrawlCount++
	l.entries[key] = entry
	return entry, nil
}

// Get fetches the entry for (taskID, url).
func (l *Ledger) Get(_ context.Context, taskID, url string) (crawler.DedupEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[ledgerKey{taskID, url}]
	if !ok {
		return crawler.DedupEntry{}, fmt.Errorf("dedup entry %s %s: %w", taskID, url, crawler.ErrNotFound)
	}
	return entry, nil
}

// ForgetTask drops all entries recorded for the task.
func (l *Ledger) ForgetTask(_ context.Context, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.entries {
		if key.taskID == taskID {
			delete(l.entries, key)
		}
	}
	return nil
}
