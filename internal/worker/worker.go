// Package worker implements the per-title fetch loop.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
	"github.com/JakeFAU/ecfr-mirror/internal/metrics"
	"github.com/JakeFAU/ecfr-mirror/internal/progress"
)

var tracer = otel.Tracer("github.com/JakeFAU/ecfr-mirror/internal/worker")

// Worker consumes title jobs, downloads both documents and persists them.
type Worker struct {
	queue   ecfr.Queue
	source  ecfr.Source
	store   ecfr.TitleStore
	hasher  ecfr.Hasher
	clock   ecfr.Clock
	emitter progress.Emitter
	results chan<- ecfr.TitleResult
	logger  *zap.Logger
}

// New constructs a Worker. Every processed job produces exactly one result.
func New(
	queue ecfr.Queue,
	source ecfr.Source,
	store ecfr.TitleStore,
	hasher ecfr.Hasher,
	clock ecfr.Clock,
	emitter progress.Emitter,
	results chan<- ecfr.TitleResult,
	logger *zap.Logger,
) *Worker {
	if emitter == nil {
		emitter = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:   queue,
		source:  source,
		store:   store,
		hasher:  hasher,
		clock:   clock,
		emitter: emitter,
		results: results,
		logger:  logger,
	}
}

// Run blocks, consuming jobs until the queue is closed and drained or the
// context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ecfr.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued title", zap.String("run_id", job.RunID), zap.String("title", job.Number))
		result := w.process(ctx, job)
		select {
		case w.results <- result:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, job ecfr.TitleJob) ecfr.TitleResult {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := tracer.Start(ctx, "ingest.fetch_title", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("ecfr.run_id", job.RunID),
		attribute.String("ecfr.title", job.Number),
		attribute.String("ecfr.snapshot_id", job.SnapshotID),
	)
	defer span.End()

	start := w.clock.Now()
	w.emit(job, progress.Event{Stage: progress.StageTitleStart})

	doc, err := w.fetch(ctx, job)
	result := ecfr.TitleResult{
		Number:     job.Number,
		SnapshotID: job.SnapshotID,
		Duration:   w.clock.Now().Sub(start),
		Err:        err,
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.logger.Warn("title fetch failed",
			zap.String("run_id", job.RunID),
			zap.String("title", job.Number),
			zap.Error(err),
		)
		w.emit(job, progress.Event{Stage: progress.StageTitleError, Dur: result.Duration, Note: err.Error()})
		return result
	}

	result.Document = doc
	result.Bytes = int64(len(doc.Structure) + len(doc.Versions))
	span.SetAttributes(attribute.Int64("ecfr.bytes", result.Bytes))
	w.logger.Info("title fetched",
		zap.String("run_id", job.RunID),
		zap.String("title", job.Number),
		zap.String("snapshot_id", job.SnapshotID),
		zap.Int64("bytes", result.Bytes),
		zap.Duration("duration", result.Duration),
	)
	w.emit(job, progress.Event{Stage: progress.StageTitleDone, Bytes: result.Bytes, Dur: result.Duration})
	return result
}

func (w *Worker) fetch(ctx context.Context, job ecfr.TitleJob) (ecfr.TitleDocument, error) {
	structure, err := w.source.Structure(ctx, job.Number, job.SnapshotID)
	if err != nil {
		return ecfr.TitleDocument{}, fmt.Errorf("fetch structure: %w", err)
	}
	if !json.Valid(structure) {
		return ecfr.TitleDocument{}, fmt.Errorf("structure for title %s is not valid JSON", job.Number)
	}
	versions, err := w.source.Versions(ctx, job.Number)
	if err != nil {
		return ecfr.TitleDocument{}, fmt.Errorf("fetch versions: %w", err)
	}
	if !json.Valid(versions) {
		return ecfr.TitleDocument{}, fmt.Errorf("versions for title %s is not valid JSON", job.Number)
	}

	checksum, err := w.hasher.Hash(structure)
	if err != nil {
		return ecfr.TitleDocument{}, fmt.Errorf("hash structure: %w", err)
	}
	doc := ecfr.TitleDocument{
		Number:    job.Number,
		Structure: structure,
		Versions:  versions,
		Meta: ecfr.FetchMeta{
			SnapshotID: job.SnapshotID,
			Fetched:    w.clock.Now().UTC().Format(ecfr.TimestampLayout),
			Checksum:   checksum,
		},
	}
	if err := w.store.SaveTitle(ctx, doc); err != nil {
		return ecfr.TitleDocument{}, fmt.Errorf("save title: %w", err)
	}
	return doc, nil
}

func (w *Worker) emit(job ecfr.TitleJob, evt progress.Event) {
	evt.RunID = job.RunUUID
	evt.Title = job.Number
	evt.TS = w.clock.Now().UTC()
	if evt.Dur < 0 {
		evt.Dur = 0
	}
	w.emitter.Emit(evt)
}

