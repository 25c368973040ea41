// Package api hosts the controller's operator HTTP server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the scheduler's crawl counters.
//   - GET /v1/workers for the attached worker sessions.
package api
