// Package ingest orchestrates one snapshot ingest run: fetch the title index,
// decide which titles are stale, fetch those in parallel and rebuild the
// merged corpus documents.
//
// Only the index fetch (and an unknown single-title scope) aborts a run.
// Per-title failures are recorded in the Summary and the title is left out of
// the merged corpus.
package ingest
