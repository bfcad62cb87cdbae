// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for probes; readyz reports 503 until a snapshot
//     is loaded.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/metrics, /api/search and /api/sections/{title}/{section_id}
//     served from the in-memory snapshot.
//   - POST /api/reload to refresh the snapshot in the background; GET
//     /api/reload reports whether a refresh is running.
//   - GET /api/runs and /api/runs/{run_id}/titles for ingest run history via
//     the store.RunRepository interface.
package api
