// Package api hosts the HTTP server, middleware, and REST handlers.
// Notable routes:
//   - POST /v1/crawl, GET /v1/crawl/{job_id}, POST /v1/crawl/{job_id}/cancel
//     for crawl jobs (crawl token).
//   - GET /v1/search for ranked, paginated results (search token).
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus.
package api
