// Package memory provides the bounded in-process queue feeding title workers.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
)

// ErrClosed is returned once the queue is closed and drained.
var ErrClosed = ecfr.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan ecfr.TitleJob
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{ch: make(chan ecfr.TitleJob, capacity)}
}

// Enqueue pushes a job into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, job ecfr.TitleJob) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- job:
		return nil
	}
}

// Dequeue pops the next job. Jobs enqueued before Close are still delivered;
// after that it returns ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (ecfr.TitleJob, error) {
	select {
	case <-ctx.Done():
		return ecfr.TitleJob{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.ch:
		if !ok {
			return ecfr.TitleJob{}, ErrClosed
		}
		return job, nil
	}
}

// Close stops accepting jobs. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
