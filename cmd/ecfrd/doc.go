// Package main hosts the ecfr query service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, readiness, Prometheus metrics, the metrics document,
//     substring search over section labels, section lookup, background reload and ingest run history.
//   - Snapshot: internal/query.Service holds an immutable corpus + metrics bundle behind an atomic pointer.
//     Reads never block; a reload builds a new bundle and swaps it in one step, keeping the old one on failure.
//   - Reload: internal/reload.Runner runs at most one refresh at a time on the application context. A second
//     POST /api/reload while one is running reports the running id instead of starting another.
//   - Refresh pipeline: internal/ingest fetches the title index, skips reserved titles and titles whose
//     persisted snapshot is current, downloads the rest with a bounded worker pool over the Colly-based
//     fetcher, and replaces the merged corpus. internal/analytics then recomputes word and change metrics.
//   - Persistence & fanout: documents live in the configured BlobStore (local/GCS/memory). Run history is
//     kept in Postgres when a DSN is configured, otherwise in memory. A snapshot.refreshed notification is
//     published to Pub/Sub when a topic is configured.
//   - Configuration & plumbing: Viper populates config from file and ECFR_* env vars; zap provides structured
//     logging; Prometheus and OpenTelemetry cover metrics and traces.
//
// Quick checklist:
//   - Populate storage first with `ecfr refresh`, or start empty and POST /api/reload.
//   - Run locally: go run ./cmd/ecfrd -config config.yaml (or rely solely on env overrides).
//   - The process drains HTTP and stops in-flight reloads on SIGINT/SIGTERM.
package main
