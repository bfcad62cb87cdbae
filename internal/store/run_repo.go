package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run not found")

// RunStatus mirrors the ingest_runs status column.
type RunStatus string

// Run statuses. A run is partial when at least one title failed.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunError   RunStatus = "error"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunSuccess, RunPartial, RunError:
		return true
	default:
		return false
	}
}

// TitleStatus mirrors the ingest_run_titles status column.
type TitleStatus string

// Per-title outcomes.
const (
	TitleSuccess TitleStatus = "success"
	TitleError   TitleStatus = "error"
)

// RunCounts summarizes a finished run.
type RunCounts struct {
	Succeeded int
	Failed    int
	Skipped   int
}

// Run models one ingest run.
type Run struct {
	ID         uuid.UUID
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	RunCounts
	ErrorMessage *string
}

// TitleOutcome records how one title fared within a run.
type TitleOutcome struct {
	RunID        uuid.UUID
	Title        string
	Status       TitleStatus
	Bytes        int64
	Duration     time.Duration
	ErrorMessage *string
	At           time.Time
}

// RunRepository persists ingest run history.
type RunRepository interface {
	// StartRun inserts (or idempotently updates) a running run.
	StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// FinishRun marks the run finished with its final status and counts.
	FinishRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, counts RunCounts, errMsg *string) error
	// RecordTitles upserts per-title outcomes.
	RecordTitles(ctx context.Context, outcomes []TitleOutcome) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs newest first, filtered by optional status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListRunTitles returns the per-title outcomes of one run ordered by title.
	ListRunTitles(ctx context.Context, runID uuid.UUID, limit, offset int) ([]TitleOutcome, error)
}
