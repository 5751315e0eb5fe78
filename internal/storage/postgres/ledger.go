package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

const defaultLedgerTable = "dedup_entries"

// Ledger stores dedup entries with transactional upserts.
type Ledger struct {
	db    DB
	table string
}

// NewLedger constructs a Ledger over an existing pool.
func NewLedger(db DB, table string) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultLedgerTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Ledger{db: db, table: table}, nil
}

// EnsureSchema creates the ledger table when absent.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, LedgerDDL(l.table)); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	return nil
}

// ShouldSkip reports whether an entry exists.
func (l *Ledger) ShouldSkip(ctx context.Context, taskID, url string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE task_id = $1 AND url = $2)`, l.table)
	var exists bool
	if err := l.db.QueryRow(ctx, query, taskID, url).Scan(&exists); err != nil {
		return false, fmt.Errorf("select dedup entry: %w", err)
	}
	return exists, nil
}

// Claim inserts a first-visit entry; a conflicting key means the URL was already visited.
func (l *Ledger) Claim(ctx context.Context, taskID, url string, at time.Time) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (task_id, url, first_crawled_at, last_crawled_at, crawl_count)
VALUES ($1, $2, $3, $3, 1)
ON CONFLICT (task_id, url) DO NOTHING`, l.table)
	tag, err := l.db.Exec(ctx, query, taskID, url, at)
	if err != nil {
		return false, fmt.Errorf("claim dedup entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release deletes an entry.
func (l *Ledger) Release(ctx context.Context, taskID, url string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE task_id = $1 AND url = $2`, l.table)
	if _, err := l.db.Exec(ctx, query, taskID, url); err != nil {
		return fmt.Errorf("release dedup entry: %w", err)
	}
	return nil
}

// RecordVisit creates the entry or increments its crawl count.
func (l *Ledger) RecordVisit(ctx context.Context, taskID, url string, at time.Time) (crawler.DedupEntry, error) {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (task_id, url, first_crawled_at, last_crawled_at, crawl_count)
VALUES ($1, $2, $3, $3, 1)
ON CONFLICT (task_id, url) DO UPDATE
SET last_crawled_at = EXCLUDED.last_crawled_at, crawl_count = %[1]s.crawl_count + 1
RETURNING task_id, url, first_crawled_at, last_crawled_at, crawl_count`, l.table)
	var entry crawler.DedupEntry
	err := l.db.QueryRow(ctx, query, taskID, url, at).Scan(
		&entry.TaskID,
		&entry.URL,
		&entry.FirstCrawledAt,
		&entry.LastCrawledAt,
		&entry.CrawlCount,
	)
	if err != nil {
		return crawler.DedupEntry{}, fmt.Errorf("upsert dedup entry: %w", err)
	}
	return entry, nil
}

// Get loads an entry.
func (l *Ledger) Get(ctx context.Context, taskID, url string) (crawler.DedupEntry, error) {
	query := fmt.Sprintf(`
SELECT task_id, url, first_crawled_at, last_crawled_at, crawl_count
FROM %s WHERE task_id = $1 AND url = $2`, l.table)
	var entry crawler.DedupEntry
	err := l.db.QueryRow(ctx, query, taskID, url).Scan(
		&entry.TaskID,
		&entry.URL,
		&entry.FirstCrawledAt,
		&entry.LastCrawledAt,
		&entry.CrawlCount,
	)
	if err != nil {
		return crawler.DedupEntry{}, notFound(err, "select dedup entry")
	}
	return entry, nil
}

// ForgetTask deletes every entry for the task.
func (l *Ledger) ForgetTask(ctx context.Context, taskID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE task_id = $1`, l.table)
	if _, err := l.db.Exec(ctx, query, taskID); err != nil {
		return fmt.Errorf("forget task entries: %w", err)
	}
	return nil
}
