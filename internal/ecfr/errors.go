package ecfr

import "errors"

var (
	// ErrNotFound signals that a requested title or section does not exist.
	ErrNotFound = errors.New("not found")
	// ErrObjectNotFound is returned by blob stores for missing keys.
	ErrObjectNotFound = errors.New("object not found")
	// ErrQueueClosed is returned by queues once they are closed and drained.
	ErrQueueClosed = errors.New("queue closed")
)
