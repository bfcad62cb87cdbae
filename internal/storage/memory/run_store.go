package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
	"github.com/JakeFAU/ecfr-mirror/internal/store"
)

// RunStore keeps run history in memory for development and tests.
type RunStore struct {
	mu     sync.RWMutex
	runs   map[uuid.UUID]store.Run
	titles map[uuid.UUID]map[string]store.TitleOutcome
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:   make(map[uuid.UUID]store.Run),
		titles: make(map[uuid.UUID]map[string]store.TitleOutcome),
	}
}

// StartRun records a running run. Restarting a known run keeps its start time.
func (s *RunStore) StartRun(_ context.Context, runID uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; ok {
		return nil
	}
	s.runs[runID] = store.Run{ID: runID, StartedAt: startedAt.UTC(), Status: store.RunRunning}
	return nil
}

// FinishRun marks a run finished, creating it when the start event was lost.
func (s *RunStore) FinishRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	counts store.RunCounts,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		run = store.Run{ID: runID, StartedAt: finishedAt.UTC()}
	}
	finished := finishedAt.UTC()
	run.FinishedAt = &finished
	run.Status = status
	run.RunCounts = counts
	run.ErrorMessage = errMsg
	s.runs[runID] = run
	return nil
}

// RecordTitles upserts per-title outcomes keyed by (run, title).
func (s *RunStore) RecordTitles(_ context.Context, outcomes []store.TitleOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range outcomes {
		byTitle := s.titles[o.RunID]
		if byTitle == nil {
			byTitle = make(map[string]store.TitleOutcome)
			s.titles[o.RunID] = byTitle
		}
		byTitle[o.Title] = o
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	out := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	return page(out, limit, offset), nil
}

// ListRunTitles returns the outcomes of one run ordered by title number.
func (s *RunStore) ListRunTitles(_ context.Context, runID uuid.UUID, limit, offset int) ([]store.TitleOutcome, error) {
	s.mu.RLock()
	byTitle := s.titles[runID]
	out := make([]store.TitleOutcome, 0, len(byTitle))
	for _, o := range byTitle {
		out = append(out, o)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return ecfr.TitleLess(out[i].Title, out[j].Title) })
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
