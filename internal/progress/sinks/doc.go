// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors and the run history repository.
package sinks
