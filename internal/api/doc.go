// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs and GET /v1/runs/{run} to start and inspect batch runs.
//   - POST /v1/sources/{source_id}/check for an on-demand check of one source.
//   - GET /v1/sources/{source_id}/changes to list recent changes.
//   - GET /v1/changes/{change_id} and /diff, the link target of alert emails.
//     These two stay open when API key auth is enabled.
package api
