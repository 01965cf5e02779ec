// Package api hosts the HTTP status server for a running crawler. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status, /v1/folders and /v1/report for progress and results.
//   - POST /v1/cancel to stop the active crawl; it resumes on the next run.
package api
