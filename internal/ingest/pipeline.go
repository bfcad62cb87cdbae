package ingest

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/JakeFAU/ecfr-mirror/internal/dispatcher"
	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
	idgen "github.com/JakeFAU/ecfr-mirror/internal/id/uuid"
	"github.com/JakeFAU/ecfr-mirror/internal/progress"
	"github.com/JakeFAU/ecfr-mirror/internal/queue/memory"
	"github.com/JakeFAU/ecfr-mirror/internal/worker"
)

const (
	instrumentationName = "github.com/JakeFAU/ecfr-mirror/internal/ingest"
	defaultMaxWorkers   = 10
)

// Store is the persistence the pipeline needs.
type Store interface {
	ecfr.TitleStore
	TitleState(ctx context.Context, title string) ecfr.TitleState
	LoadTitle(ctx context.Context, title string) (ecfr.TitleDocument, error)
	SaveGlobalMeta(ctx context.Context, meta ecfr.GlobalMeta) error
	SaveCorpus(ctx context.Context, docs []ecfr.TitleDocument) error
}

// Config controls pipeline behavior.
type Config struct {
	MaxWorkers int
	// CarryOver keeps titles that were not fetched in this run by merging
	// their persisted documents. When false the corpus is rebuilt from this
	// run's successful fetches only.
	CarryOver bool
}

// Options scope a single run.
type Options struct {
	// RunID is generated when empty.
	RunID string
	Force bool
	// Title limits the run to one title number when set.
	Title string
}

// Summary reports the outcome of a run.
type Summary struct {
	RunID      string
	Total      int
	Reserved   int
	Candidates int
	Succeeded  int
	Failed     int
	Skipped    int
	// Failures maps failed title numbers to their error text.
	Failures map[string]string
	Merged   int
	UpToDate bool
	Elapsed  time.Duration
}

// Pipeline runs index fetch, staleness filtering, parallel title fetch and
// corpus merge.
type Pipeline struct {
	source   ecfr.Source
	store    Store
	hasher   ecfr.Hasher
	clock    ecfr.Clock
	ids      ecfr.IDGenerator
	emitter  progress.Emitter
	cfg      Config
	logger   *zap.Logger
	duration metric.Float64Histogram
}

// NewPipeline wires a Pipeline.
func NewPipeline(
	source ecfr.Source,
	store Store,
	hasher ecfr.Hasher,
	clock ecfr.Clock,
	ids ecfr.IDGenerator,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if emitter == nil {
		emitter = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		source:  source,
		store:   store,
		hasher:  hasher,
		clock:   clock,
		ids:     ids,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
	}
	hist, err := otel.Meter(instrumentationName).Float64Histogram(
		"ecfr.ingest.run.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall time of ingest runs."),
	)
	if err != nil {
		logger.Warn("ingest duration histogram unavailable", zap.Error(err))
	} else {
		p.duration = hist
	}
	return p
}

// Run executes one ingest run. It returns an error only for run-level
// failures; per-title failures are reported in the Summary.
func (p *Pipeline) Run(ctx context.Context, opts Options) (Summary, error) {
	runID := opts.RunID
	if runID == "" {
		id, err := p.ids.NewID()
		if err != nil {
			return Summary{}, fmt.Errorf("generate run id: %w", err)
		}
		runID = id
	}
	runUUID := idgen.Raw(runID)
	logger := p.logger.With(zap.String("run_id", runID))

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "ingest.run")
	span.SetAttributes(attribute.String("ecfr.run_id", runID), attribute.Bool("ecfr.force", opts.Force))
	defer span.End()

	start := p.clock.Now()
	p.emit(runUUID, progress.Event{Stage: progress.StageRunStart})

	summary, err := p.run(ctx, logger, runID, runUUID, opts)
	summary.RunID = runID
	summary.Elapsed = p.clock.Now().Sub(start)
	p.recordDuration(ctx, summary, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("ingest run failed", zap.Error(err))
		p.emit(runUUID, progress.Event{Stage: progress.StageRunError, Dur: summary.Elapsed, Note: err.Error()})
		return summary, err
	}

	span.SetAttributes(
		attribute.Int("ecfr.succeeded", summary.Succeeded),
		attribute.Int("ecfr.failed", summary.Failed),
		attribute.Int("ecfr.skipped", summary.Skipped),
	)
	logger.Info("ingest run finished",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("merged", summary.Merged),
		zap.Bool("up_to_date", summary.UpToDate),
		zap.Duration("elapsed", summary.Elapsed),
	)
	p.emit(runUUID, progress.Event{
		Stage:     progress.StageRunDone,
		Dur:       summary.Elapsed,
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
		Skipped:   summary.Skipped,
	})
	return summary, nil
}

func (p *Pipeline) run(
	ctx context.Context,
	logger *zap.Logger,
	runID string,
	runUUID [16]byte,
	opts Options,
) (Summary, error) {
	idx, err := FetchIndex(ctx, p.source, logger)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{
		Total:    len(idx.Titles),
		Reserved: len(idx.Reserved),
		Failures: map[string]string{},
	}
	meta := ecfr.GlobalMeta{
		NumTitles:            len(idx.Titles),
		NumTitlesNonReserved: len(idx.Active),
		Fetched:              p.clock.Now().UTC().Format(ecfr.TimestampLayout),
	}
	if err := p.store.SaveGlobalMeta(ctx, meta); err != nil {
		return summary, fmt.Errorf("save global meta: %w", err)
	}

	scope := idx.ActiveNumbers()
	if opts.Title != "" {
		if _, ok := idx.Active[opts.Title]; !ok {
			return summary, fmt.Errorf("%w: %s", ErrUnknownTitle, opts.Title)
		}
		scope = []string{opts.Title}
	}

	jobs := make([]ecfr.TitleJob, 0, len(scope))
	for _, number := range scope {
		snapshot := idx.Active[number]
		if !NeedsFetch(p.store.TitleState(ctx, number), snapshot, opts.Force) {
			logger.Debug("title up to date", zap.String("title", number), zap.String("snapshot_id", snapshot))
			continue
		}
		jobs = append(jobs, ecfr.TitleJob{
			RunID:      runID,
			RunUUID:    runUUID,
			Number:     number,
			SnapshotID: snapshot,
		})
	}
	summary.Candidates = len(jobs)
	summary.Skipped = len(idx.Active) - len(jobs)
	if len(jobs) == 0 {
		logger.Info("all titles up to date", zap.Int("titles", len(idx.Active)))
		summary.UpToDate = true
		return summary, nil
	}

	results := p.fetchTitles(ctx, logger, jobs)
	attempted := make(map[string]struct{}, len(jobs))
	for _, r := range results {
		attempted[r.Number] = struct{}{}
		if r.OK() {
			summary.Succeeded++
			continue
		}
		summary.Failed++
		summary.Failures[r.Number] = r.Err.Error()
	}

	var carried []ecfr.TitleDocument
	if p.cfg.CarryOver {
		carried = p.loadCarried(ctx, logger, idx.ActiveNumbers(), attempted)
	}
	docs := Merge(results, carried)
	if err := p.store.SaveCorpus(ctx, docs); err != nil {
		return summary, fmt.Errorf("save corpus: %w", err)
	}
	summary.Merged = len(docs)
	return summary, nil
}

// fetchTitles runs min(MaxWorkers, len(jobs)) workers over the jobs and
// collects exactly one result per job.
func (p *Pipeline) fetchTitles(ctx context.Context, logger *zap.Logger, jobs []ecfr.TitleJob) []ecfr.TitleResult {
	queue := memory.NewQueue(len(jobs))
	resultsCh := make(chan ecfr.TitleResult, len(jobs))
	workerCount := min(p.cfg.MaxWorkers, len(jobs))
	workers := make([]*worker.Worker, 0, workerCount)
	for i := 0; i < workerCount; i++ {
		workers = append(workers, worker.New(
			queue,
			p.source,
			p.store,
			p.hasher,
			p.clock,
			p.emitter,
			resultsCh,
			logger.Named("worker"),
		))
	}
	dispatch := dispatcher.New(queue, workers)

	pending := make(map[string]ecfr.TitleJob, len(jobs))
	for _, job := range jobs {
		if err := dispatch.Enqueue(ctx, job); err != nil {
			resultsCh <- ecfr.TitleResult{Number: job.Number, SnapshotID: job.SnapshotID, Err: err}
			continue
		}
		pending[job.Number] = job
	}
	queue.Close()
	logger.Info("fetching titles", zap.Int("titles", len(pending)), zap.Int("workers", workerCount))

	dispatch.Run(ctx)
	close(resultsCh)

	results := make([]ecfr.TitleResult, 0, len(jobs))
	for r := range resultsCh {
		delete(pending, r.Number)
		results = append(results, r)
	}
	for _, job := range pending {
		err := ctx.Err()
		if err == nil {
			err = fmt.Errorf("title %s was not processed", job.Number)
		}
		results = append(results, ecfr.TitleResult{Number: job.Number, SnapshotID: job.SnapshotID, Err: err})
	}
	return results
}

func (p *Pipeline) loadCarried(
	ctx context.Context,
	logger *zap.Logger,
	active []string,
	attempted map[string]struct{},
) []ecfr.TitleDocument {
	carried := make([]ecfr.TitleDocument, 0, len(active))
	for _, number := range active {
		if _, ok := attempted[number]; ok {
			continue
		}
		doc, err := p.store.LoadTitle(ctx, number)
		if err != nil {
			logger.Warn("skipping title without usable local data", zap.String("title", number), zap.Error(err))
			continue
		}
		carried = append(carried, doc)
	}
	return carried
}

func (p *Pipeline) emit(runID [16]byte, evt progress.Event) {
	evt.RunID = runID
	evt.TS = p.clock.Now().UTC()
	if evt.Dur < 0 {
		evt.Dur = 0
	}
	p.emitter.Emit(evt)
}

func (p *Pipeline) recordDuration(ctx context.Context, summary Summary, err error) {
	if p.duration == nil {
		return
	}
	result := "success"
	switch {
	case err != nil:
		result = "error"
	case summary.Failed > 0:
		result = "partial"
	}
	p.duration.Record(ctx, summary.Elapsed.Seconds(), metric.WithAttributes(attribute.String("result", result)))
}
