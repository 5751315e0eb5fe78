// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs and /v1/runs/standard to submit a task for a new run.
//   - GET /v1/runs/{run_id}/status, /result and /logs to inspect a run.
//   - POST /v1/runs/{run_id}/cancel to stop a run between URLs.
//   - DELETE /v1/tasks/{task_id} to drop a task with its runs and dedup history.
package api
