// Package ecfr defines the domain types and collaborator interfaces shared by
// the ingestion pipeline, the metrics aggregator, and the query service: title
// index entries, structure trees, version records, per-title fetch metadata,
// and the aggregate metrics document.
package ecfr
