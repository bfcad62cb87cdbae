package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ecfr-mirror/internal/progress"
	"github.com/JakeFAU/ecfr-mirror/internal/store"
)

// StoreSink persists run lifecycle and per-title outcomes through a
// store.RunRepository. Title outcomes are written in one call per batch,
// always before the run they belong to is finished.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards the batch to the repository and returns its errors.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var pending []store.TitleOutcome
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := s.repo.RecordTitles(ctx, pending); err != nil {
			return fmt.Errorf("record titles: %w", err)
		}
		pending = pending[:0]
		return nil
	}

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.StartRun(ctx, runID, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageTitleDone, progress.StageTitleError:
			pending = append(pending, titleOutcome(evt))
		case progress.StageRunDone, progress.StageRunError:
			if err := flush(); err != nil {
				return err
			}
			if err := s.finishRun(ctx, evt); err != nil {
				return err
			}
		}
	}
	return flush()
}

func (s *StoreSink) finishRun(ctx context.Context, evt progress.Event) error {
	status := store.RunSuccess
	switch {
	case evt.Stage == progress.StageRunError:
		status = store.RunError
	case evt.Failed > 0:
		status = store.RunPartial
	}
	var note *string
	if evt.Note != "" {
		note = &evt.Note
	}
	counts := store.RunCounts{Succeeded: evt.Succeeded, Failed: evt.Failed, Skipped: evt.Skipped}
	if err := s.repo.FinishRun(ctx, evt.RunUUID(), evt.TS, status, counts, note); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func titleOutcome(evt progress.Event) store.TitleOutcome {
	out := store.TitleOutcome{
		RunID:    evt.RunUUID(),
		Title:    evt.Title,
		Status:   store.TitleSuccess,
		Bytes:    evt.Bytes,
		Duration: evt.Dur,
		At:       evt.TS,
	}
	if evt.Stage == progress.StageTitleError {
		out.Status = store.TitleError
		if evt.Note != "" {
			note := evt.Note
			out.ErrorMessage = &note
		}
	}
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
