// Package sqlite provides an embedded dedup ledger for single-node runs.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

const timeLayout = time.RFC3339Nano

// Ledger stores dedup entries in a SQLite database.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open opens the database at path and creates the schema. Use ":memory:" for tests.
func Open(ctx context.Context, path string) (*Ledger, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" databases shared.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if path != ":memory:" {
		if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}
	l := &Ledger{db: conn, path: path}
	if err := l.createSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) createSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS dedup_entries (
			task_id TEXT NOT NULL,
			url TEXT NOT NULL,
			first_crawled_at TEXT NOT NULL,
			last_crawled_at TEXT NOT NULL,
			crawl_count INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (task_id, url)
		);
	`
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// ShouldSkip reports whether an entry exists.
func (l *Ledger) ShouldSkip(ctx context.Context, taskID, url string) (bool, error) {
	var exists int
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM dedup_entries WHERE task_id = ? AND url = ?)`,
		taskID, url,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("select dedup entry: %w", err)
	}
	return exists == 1, nil
}

// Claim inserts a first-visit entry; an existing row means the URL was already visited.
func (l *Ledger) Claim(ctx context.Context, taskID, url string, at time.Time) (bool, error) {
	ts := at.UTC().Format(timeLayout)
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO dedup_entries (task_id, url, first_crawled_at, last_crawled_at, crawl_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (task_id, url) DO NOTHING`,
		taskID, url, ts, ts,
	)
	if err != nil {
		return false, fmt.Errorf("claim dedup entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected: %w", err)
	}
	return n == 1, nil
}

// Release deletes an entry.
func (l *Ledger) Release(ctx context.Context, taskID, url string) error {
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM dedup_entries WHERE task_id = ? AND url = ?`, taskID, url,
	); err != nil {
		return fmt.Errorf("release dedup entry: %w", err)
	}
	return nil
}

// RecordVisit creates the entry or increments its crawl count.
func (l *Ledger) RecordVisit(ctx context.Context, taskID, url string, at time.Time) (crawler.DedupEntry, error) {
	ts := at.UTC().Format(timeLayout)
	row := l.db.QueryRowContext(ctx, `
		INSERT INTO dedup_entries (task_id, url, first_crawled_at, last_crawled_at, crawl_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (task_id, url) DO UPDATE
		SET last_crawled_at = excluded.last_crawled_at, crawl_count = crawl_count + 1
		RETURNING task_id, url, first_crawled_at, last_crawled_at, crawl_count`,
		taskID, url, ts, ts,
	)
	entry, err := scanEntry(row)
	if err != nil {
		return crawler.DedupEntry{}, fmt.Errorf("upsert dedup entry: %w", err)
	}
	return entry, nil
}

// Get loads an entry.
func (l *Ledger) Get(ctx context.Context, taskID, url string) (crawler.DedupEntry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT task_id, url, first_crawled_at, last_crawled_at, crawl_count
		FROM dedup_entries WHERE task_id = ? AND url = ?`,
		taskID, url,
	)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.DedupEntry{}, fmt.Errorf("dedup entry %s %s: %w", taskID, url, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.DedupEntry{}, fmt.Errorf("select dedup entry: %w", err)
	}
	return entry, nil
}

// ForgetTask deletes every entry for the task.
func (l *Ledger) ForgetTask(ctx context.Context, taskID string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM dedup_entries WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("forget task entries: %w", err)
	}
	return nil
}

func scanEntry(row *sql.Row) (crawler.DedupEntry, error) {
	var (
		entry       crawler.DedupEntry
		first, last string
	)
	if err := row.Scan(&entry.TaskID, &entry.URL, &first, &last, &entry.CrawlCount); err != nil {
		return crawler.DedupEntry{}, err
	}
	var err error
	if entry.FirstCrawledAt, err = time.Parse(timeLayout, first); err != nil {
		return crawler.DedupEntry{}, fmt.Errorf("parse first_crawled_at: %w", err)
	}
	if entry.LastCrawledAt, err = time.Parse(timeLayout, last); err != nil {
		return crawler.DedupEntry{}, fmt.Errorf("parse last_crawled_at: %w", err)
	}
	return entry, nil
}
