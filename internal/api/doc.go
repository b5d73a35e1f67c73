// Package api hosts the operator HTTP surface of the scraper. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs/latest for the summary of the last finished pass.
//   - POST /v1/runs for requesting an immediate pass in continuous mode.
package api
