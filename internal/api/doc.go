// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stores/{id}/crawl-log for the latest crawl of a store.
//   - POST /v1/stores/{id}/crawl and /v1/verification/run to start work out of schedule.
//   - GET /v1/verification/stats for per-status listing counts.
package api
