// Package reload runs the refresh pipeline in the background and hands the
// resulting snapshot to a completion callback.
package reload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
	"github.com/JakeFAU/ecfr-mirror/internal/metrics"
	"github.com/JakeFAU/ecfr-mirror/internal/query"
)

// ErrInProgress is returned by Trigger while a reload is already running.
var ErrInProgress = errors.New("reload already in progress")

// Job produces a fresh snapshot for runID.
type Job func(ctx context.Context, runID string) (*query.Snapshot, error)

// Runner executes at most one Job at a time. Jobs run on the context given to
// New so they outlive the request that triggered them.
type Runner struct {
	ctx        context.Context
	ids        ecfr.IDGenerator
	job        Job
	onComplete func(*query.Snapshot)
	logger     *zap.Logger

	mu      sync.Mutex
	running string
	wg      sync.WaitGroup
}

// New constructs a Runner.
func New(
	ctx context.Context,
	ids ecfr.IDGenerator,
	job Job,
	onComplete func(*query.Snapshot),
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		ctx:        ctx,
		ids:        ids,
		job:        job,
		onComplete: onComplete,
		logger:     logger,
	}
}

// Trigger starts a reload and returns its run id immediately. When a reload
// is already running it returns that run's id together with ErrInProgress.
func (r *Runner) Trigger() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running != "" {
		return r.running, ErrInProgress
	}
	runID, err := r.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	r.running = runID
	r.wg.Add(1)
	go r.execute(runID)
	r.logger.Info("reload started", zap.String("run_id", runID))
	return runID, nil
}

// Running reports the id of the reload in flight, if any.
func (r *Runner) Running() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running, r.running != ""
}

// Wait blocks until no reload is running.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) execute(runID string) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		r.running = ""
		r.mu.Unlock()
	}()
	defer func() {
		if rec := recover(); rec != nil {
			metrics.ObserveReload("failure")
			r.logger.Error("reload panicked", zap.String("run_id", runID), zap.Any("panic", rec))
		}
	}()

	snap, err := r.job(r.ctx, runID)
	if err != nil {
		metrics.ObserveReload("failure")
		r.logger.Error("reload failed, keeping current snapshot", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if snap == nil {
		metrics.ObserveReload("failure")
		r.logger.Error("reload produced no snapshot", zap.String("run_id", runID))
		return
	}
	if r.onComplete != nil {
		r.onComplete(snap)
	}
	metrics.ObserveReload("success")
	r.logger.Info("reload finished", zap.String("run_id", runID), zap.Int("titles", len(snap.Titles)))
}
