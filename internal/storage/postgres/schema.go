package postgres

import (
	"context"
	"fmt"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	definition  JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id                 TEXT PRIMARY KEY,
	task_id            TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	task_name          TEXT NOT NULL,
	status             TEXT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	started_at         TIMESTAMPTZ,
	finished_at        TIMESTAMPTZ,
	counters           JSONB NOT NULL DEFAULT '{}'::jsonb,
	storage_root       TEXT NOT NULL DEFAULT '',
	error_message      TEXT,
	stage2_configured  BOOLEAN NOT NULL DEFAULT false,
	stage2_summary     TEXT NOT NULL DEFAULT '',
	manifest_path      TEXT NOT NULL DEFAULT '',
	error_log_path     TEXT,
	cancel_requested   BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS documents (
	id                TEXT PRIMARY KEY,
	run_id            TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	task_id           TEXT NOT NULL,
	source_url        TEXT NOT NULL,
	raw_markdown      TEXT NOT NULL,
	cleaned_markdown  TEXT NOT NULL,
	payload           JSONB NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS documents_run_id_idx ON documents (run_id, created_at);
`

// LedgerDDL returns the dedup table definition for the given table name.
func LedgerDDL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	task_id           TEXT NOT NULL,
	url               TEXT NOT NULL,
	first_crawled_at  TIMESTAMPTZ NOT NULL,
	last_crawled_at   TIMESTAMPTZ NOT NULL,
	crawl_count       INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (task_id, url)
);`, table)
}

// EnsureSchema creates the run store tables when absent.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
