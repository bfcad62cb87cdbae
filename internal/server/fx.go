// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/ecfr-mirror/internal/analytics"
	"github.com/JakeFAU/ecfr-mirror/internal/api"
	"github.com/JakeFAU/ecfr-mirror/internal/clock/system"
	"github.com/JakeFAU/ecfr-mirror/internal/config"
	"github.com/JakeFAU/ecfr-mirror/internal/ecfr"
	collyfetcher "github.com/JakeFAU/ecfr-mirror/internal/fetcher/colly"
	"github.com/JakeFAU/ecfr-mirror/internal/hash/sha256"
	idgen "github.com/JakeFAU/ecfr-mirror/internal/id/uuid"
	"github.com/JakeFAU/ecfr-mirror/internal/ingest"
	"github.com/JakeFAU/ecfr-mirror/internal/logging"
	"github.com/JakeFAU/ecfr-mirror/internal/policy/ratelimit"
	"github.com/JakeFAU/ecfr-mirror/internal/progress"
	progresssinks "github.com/JakeFAU/ecfr-mirror/internal/progress/sinks"
	"github.com/JakeFAU/ecfr-mirror/internal/publisher"
	memorypublisher "github.com/JakeFAU/ecfr-mirror/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/ecfr-mirror/internal/publisher/pubsub"
	"github.com/JakeFAU/ecfr-mirror/internal/query"
	"github.com/JakeFAU/ecfr-mirror/internal/reload"
	"github.com/JakeFAU/ecfr-mirror/internal/source"
	"github.com/JakeFAU/ecfr-mirror/internal/storage"
	gcsstorage "github.com/JakeFAU/ecfr-mirror/internal/storage/gcs"
	localstorage "github.com/JakeFAU/ecfr-mirror/internal/storage/local"
	memorystorage "github.com/JakeFAU/ecfr-mirror/internal/storage/memory"
	pgstore "github.com/JakeFAU/ecfr-mirror/internal/storage/postgres"
	"github.com/JakeFAU/ecfr-mirror/internal/store"
	"github.com/JakeFAU/ecfr-mirror/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  ecfr.Clock

	corpus    *storage.CorpusStore
	pipeline  *ingest.Pipeline
	analyzer  *analytics.Analyzer
	query     *query.Service
	reloader  *reload.Runner
	notifier  *publisher.Notifier
	apiServer *api.Server

	runs            store.RunRepository
	pgRuns          *pgstore.RunStore
	progressHub     *progress.Hub
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	memPublisher    *memorypublisher.Publisher
	gcsClient       *gcs.Client
	telemetry       *telemetry.Providers

	reloadCancel context.CancelFunc
	closeOnce    sync.Once
	closeErr     error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("source", cfg.Source.BaseURL),
	)

	app.telemetry, err = telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	blobs, err := setupStorage(ctx, app)
	if err != nil {
		app.closeQuietly()
		return nil, err
	}
	app.corpus = storage.NewCorpusStore(blobs, cfg.Storage.Prefix, logger.Named("storage"))

	if err := setupRunHistory(ctx, app); err != nil {
		app.closeQuietly()
		return nil, err
	}
	emitter := setupProgress(ctx, app)

	pub, err := setupPublisher(ctx, app)
	if err != nil {
		app.closeQuietly()
		return nil, err
	}
	app.notifier = publisher.NewNotifier(pub, cfg.PubSub.TopicName, logger.Named("notifier"))

	ids := idgen.New()
	app.pipeline = ingest.NewPipeline(
		setupSource(app),
		app.corpus,
		sha256.New(),
		app.clock,
		ids,
		emitter,
		ingest.Config{MaxWorkers: cfg.Ingest.MaxWorkers, CarryOver: cfg.Ingest.CarryOver},
		logger.Named("ingest"),
	)
	app.analyzer = analytics.NewAnalyzer(app.corpus, app.clock, logger.Named("analytics"))
	app.query = query.New(logger.Named("query"))

	// Reloads outlive the request that triggered them and stop only on Close.
	reloadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app.reloadCancel = cancel
	app.reloader = reload.New(reloadCtx, ids, app.reloadJob, app.query.Swap, logger.Named("reload"))

	app.apiServer = api.NewServer(app.query, app.reloader, app.runs, cfg, logger.Named("api"))
	logger.Info("application built")
	return app, nil
}

// Handler returns the HTTP handler serving the query API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Query returns the query service holding the served snapshot.
func (a *App) Query() *query.Service {
	return a.query
}

// Reloader returns the background reload runner.
func (a *App) Reloader() *reload.Runner {
	return a.reloader
}

// Fetch runs the ingest pipeline once.
func (a *App) Fetch(ctx context.Context, opts ingest.Options) (ingest.Summary, error) {
	summary, err := a.pipeline.Run(ctx, opts)
	if err != nil {
		return summary, fmt.Errorf("fetch: %w", err)
	}
	return summary, nil
}

// Analyze recomputes metrics from the persisted corpus.
func (a *App) Analyze(ctx context.Context) (ecfr.Metrics, error) {
	_, m, err := a.analyzer.Run(ctx)
	if err != nil {
		return ecfr.Metrics{}, fmt.Errorf("analyze: %w", err)
	}
	return m, nil
}

// Refresh fetches, aggregates and returns a snapshot ready to serve. A
// snapshot.refreshed notification is published on success.
func (a *App) Refresh(ctx context.Context, opts ingest.Options) (*query.Snapshot, ingest.Summary, error) {
	summary, err := a.Fetch(ctx, opts)
	if err != nil {
		return nil, summary, err
	}
	corpus, m, err := a.analyzer.Run(ctx)
	if err != nil {
		return nil, summary, fmt.Errorf("analyze: %w", err)
	}
	snap := query.NewSnapshot(summary.RunID, corpus, m, a.clock.Now())
	a.notifier.SnapshotRefreshed(ctx, ecfr.SnapshotNotification{
		RunID:     summary.RunID,
		Generated: m.Generated,
		Titles:    len(snap.Titles),
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
		Skipped:   summary.Skipped,
		Agencies:  len(m.WordCountPerAgency),
	})
	return snap, summary, nil
}

func (a *App) reloadJob(ctx context.Context, runID string) (*query.Snapshot, error) {
	snap, _, err := a.Refresh(ctx, ingest.Options{RunID: runID, Force: a.cfg.Ingest.Force})
	return snap, err
}

// LoadSnapshot serves whatever corpus and metrics are already persisted. A
// missing corpus leaves the service not ready until the first reload.
func (a *App) LoadSnapshot(ctx context.Context) error {
	corpus, err := a.corpus.LoadCorpus(ctx)
	if errors.Is(err, ecfr.ErrObjectNotFound) {
		a.logger.Warn("no persisted corpus, waiting for a reload")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	m, err := a.corpus.LoadMetrics(ctx)
	switch {
	case errors.Is(err, ecfr.ErrObjectNotFound):
		a.logger.Warn("no persisted metrics, aggregating loaded corpus")
		m = analytics.Aggregate(corpus, a.clock.Now())
	case err != nil:
		return fmt.Errorf("load snapshot: %w", err)
	}
	if meta, err := a.corpus.LoadGlobalMeta(ctx); err == nil {
		a.logger.Info("loaded persisted snapshot",
			zap.Int("titles", len(corpus.Regulations)),
			zap.Int("index_titles", meta.NumTitlesNonReserved),
			zap.String("fetched", meta.Fetched))
	} else if !errors.Is(err, ecfr.ErrObjectNotFound) {
		a.logger.Warn("global fetch metadata unreadable", zap.Error(err))
	}
	a.query.Swap(query.NewSnapshot("", corpus, m, a.clock.Now()))
	return nil
}

// Run loads the persisted snapshot and serves HTTP until ctx is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.LoadSnapshot(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.cfg.Server.ShutdownTimeout(); d > 0 {
		return d
	}
	return 10 * time.Second
}

// Close gracefully shuts down the application. It is safe to call more than
// once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.reloadCancel != nil {
			a.reloadCancel()
		}
		if a.reloader != nil {
			a.reloader.Wait()
		}
		a.closeInfrastructure(ctx)
		a.closeErr = a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return a.closeErr
}

func (a *App) closeQuietly() {
	if err := a.Close(context.Background()); err != nil {
		a.logger.Warn("cleanup after failed build", zap.Error(err))
	}
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgRuns != nil {
		a.pgRuns.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) error {
	err := a.telemetry.Shutdown(ctx)
	if err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	// Sync fails on non-file sinks such as /dev/stderr; nothing to act on.
	_ = a.logger.Sync()
	return err
}

func setupSource(app *App) *source.Client {
	cfg := app.cfg.Source
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.UserAgent,
		Timeout:   max(cfg.IndexTimeout(), cfg.TitleTimeout()),
	})
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimitRPS,
		DefaultBurst: cfg.RateLimitBurst,
	})
	retry := ecfr.NewExponentialRetryPolicy(
		cfg.MaxRetries+1,
		time.Duration(cfg.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.BackoffMaxMs)*time.Millisecond,
	)
	app.logger.Info("remote source configured",
		zap.String("base_url", cfg.BaseURL),
		zap.String("user_agent", cfg.UserAgent),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Float64("rate_limit_rps", cfg.RateLimitRPS),
	)
	return source.New(fetcher, limiter, retry, source.Config{
		BaseURL:      cfg.BaseURL,
		IndexTimeout: cfg.IndexTimeout(),
		TitleTimeout: cfg.TitleTimeout(),
	}, app.logger.Named("source"))
}

func setupStorage(ctx context.Context, app *App) (ecfr.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case config.BackendGCS:
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case config.BackendLocal:
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.Local.BaseDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupRunHistory(ctx context.Context, app *App) error {
	db := app.cfg.DB
	if db.DSN == "" {
		app.logger.Info("no database DSN, keeping run history in memory")
		app.runs = memorystorage.NewRunStore()
		return nil
	}
	runs, err := pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:             db.DSN,
		RunsTable:       db.RunsTable,
		TitlesTable:     db.TitlesTable,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: time.Duration(db.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	app.pgRuns = runs
	app.runs = runs
	if db.AutoMigrate {
		if err := runs.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("run store migration failed: %w", err)
		}
	}
	app.logger.Info("run store initialized",
		zap.String("runs_table", db.RunsTable),
		zap.String("titles_table", db.TitlesTable),
	)
	return nil
}

func setupProgress(ctx context.Context, app *App) progress.Emitter {
	cfg := app.cfg.Progress
	if !cfg.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil
	}
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(app.runs, app.logger.Named("progress_store")),
	}
	if cfg.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		app.logger.Warn("prometheus progress sink unavailable", zap.Error(err))
	} else {
		sinkList = append(sinkList, promSink)
	}
	hubCfg := progress.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(cfg.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(cfg.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub
}

func setupPublisher(ctx context.Context, app *App) (ecfr.Publisher, error) {
	cfg := app.cfg.PubSub
	if cfg.TopicName == "" || cfg.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		app.memPublisher = memorypublisher.New()
		return app.memPublisher, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.pubsubPublisher = gcppublisher.New(client.Publisher(cfg.TopicName))
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.TopicName),
	)
	return app.pubsubPublisher, nil
}
