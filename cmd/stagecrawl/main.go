// Package main hosts the stagecrawl service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts task definitions, records a pending run in the RunStore and hands it to
//     the dispatcher. Status, result, log and cancel endpoints read the same store.
//   - Dispatcher & queue: runs flow through a bounded in-memory queue sized by crawler.queue_depth and are consumed by
//     a fixed worker pool sized by crawler.concurrency.
//   - Pipeline: each worker resolves the task's prompt and schema once, then for every URL checks the dedup ledger,
//     fetches with colly (promoting to chromedp when the detector asks), cleans the page to markdown, runs structured
//     extraction through the configured LLM, downloads media, and archives every artifact under {date}/{run_id}.
//   - Persistence & fanout: runs and documents live in Postgres when database.dsn is set and in memory otherwise.
//     Artifacts go to memory, the local filesystem or GCS. A Pub/Sub notification is published per finished run when
//     a topic is configured.
//
// Run locally: go run ./cmd/stagecrawl serve --config config.yaml, or execute a single task without the API with
// go run ./cmd/stagecrawl run --config config.yaml task.yaml.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := NewMain().Run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
