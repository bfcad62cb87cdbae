// Package progress provides the event primitives, non-blocking hub and emitter
// interface that the ingest pipeline uses to report run and per-title
// progress. Events are batched on a background goroutine and fanned out to
// pluggable sinks such as logs, Prometheus collectors or the run history store.
package progress
