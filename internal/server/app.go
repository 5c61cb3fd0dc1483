// Package server builds the service's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlsearch/internal/api"
	"github.com/JakeFAU/crawlsearch/internal/clock/system"
	"github.com/JakeFAU/crawlsearch/internal/config"
	"github.com/JakeFAU/crawlsearch/internal/crawler"
	"github.com/JakeFAU/crawlsearch/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/crawlsearch/internal/fetcher/colly"
	"github.com/JakeFAU/crawlsearch/internal/frontier"
	"github.com/JakeFAU/crawlsearch/internal/hash/sha256"
	"github.com/JakeFAU/crawlsearch/internal/id/uuid"
	"github.com/JakeFAU/crawlsearch/internal/index"
	"github.com/JakeFAU/crawlsearch/internal/orchestrator"
	"github.com/JakeFAU/crawlsearch/internal/processor"
	memorypublisher "github.com/JakeFAU/crawlsearch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawlsearch/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/crawlsearch/internal/queue/memory"
	"github.com/JakeFAU/crawlsearch/internal/search"
	gcsstorage "github.com/JakeFAU/crawlsearch/internal/storage/gcs"
	memorystorage "github.com/JakeFAU/crawlsearch/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawlsearch/internal/storage/postgres"
	"github.com/JakeFAU/crawlsearch/internal/telemetry"
	"github.com/JakeFAU/crawlsearch/internal/text"
	"github.com/JakeFAU/crawlsearch/internal/worker"
)

// memoryEventLimit bounds the events kept by the in-process publisher.
const memoryEventLimit = 1000

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	frontier  *frontier.Frontier
	results   *queuememory.Queue
	pool      *dispatcher.Pool
	processor *processor.Processor
	orch      *orchestrator.Orchestrator
	planner   *search.Planner
	apiServer *api.Server

	pgJobs         *pgstore.JobStore
	storage        *storage.Client
	pubsubClient   *pubsub.Client
	gcpPublisher   *gcppublisher.Publisher
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies from cfg. Jobs a previous
// process left unfinished in a durable job store are failed as interrupted.
func Build(ctx context.Context, cfg config.Config, version string, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("job_store", cfg.Storage.JobStore),
		zap.String("blob", cfg.Storage.Blob),
		zap.String("publisher", cfg.PubSub.Provider),
	)

	if cfg.Telemetry.TracingEnabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, version, cfg.Telemetry.SampleRatio)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	jobStore, err := app.setupJobStore(ctx)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	blobStore, err := app.setupBlobStore(ctx)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	defaultSeeds, err := cfg.DefaultSeeds()
	if err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	clock := system.New()
	analyzer := text.NewAnalyzer(cfg.Index.Stemming, cfg.Index.TitleWeight)
	ix := index.New(index.Config{Shards: cfg.Index.Shards})
	signals := make(chan crawler.Signal, cfg.Orchestrator.SignalBuffer)

	app.frontier = frontier.New(frontier.Config{
		MinInterval:    cfg.Frontier.MinInterval,
		MaxOutstanding: cfg.Frontier.MaxOutstandingPerJob,
	}, clock)
	app.results = queuememory.NewQueue(cfg.Processor.QueueDepth)

	app.orch = orchestrator.New(orchestrator.Deps{
		Store:     jobStore,
		Frontier:  app.frontier,
		Publisher: publisher,
		Clock:     clock,
		IDs:       uuid.New(),
		Signals:   signals,
	}, orchestrator.Config{
		FailureFraction: cfg.Orchestrator.FailureFraction,
		MinSample:       cfg.Orchestrator.MinSample,
		MaxDepthDefault: cfg.Orchestrator.MaxDepthDefault,
		MaxPagesDefault: cfg.Orchestrator.MaxPagesDefault,
		MaxOutstanding:  cfg.Frontier.MaxOutstandingPerJob,
		SeedPriority:    cfg.Orchestrator.SeedPriority,
		DefaultSeeds:    defaultSeeds,
		EventTopic:      cfg.PubSub.TopicName,
	}, logger.Named("orchestrator"))

	app.processor = processor.New(processor.Deps{
		Results:  app.results,
		Links:    app.frontier,
		Scopes:   app.orch,
		Index:    ix,
		Analyzer: analyzer,
		Blobs:    blobStore,
		Hasher:   sha256.New(),
		Clock:    clock,
		Signals:  signals,
	}, processor.Config{
		Workers:       cfg.Processor.Workers,
		SnippetLength: cfg.Processor.SnippetLength,
		ArchivePrefix: cfg.Storage.Prefix,
	}, logger.Named("processor"))

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.Fetch.Timeout,
		MaxBodyBytes:  cfg.Fetch.MaxBodyBytes,
	})
	app.pool = dispatcher.New(dispatcher.Config{
		Workers:          cfg.Fetch.Workers,
		WatchdogInterval: cfg.Fetch.WatchdogInterval,
		Worker: worker.Config{
			FetchTimeout:     cfg.Fetch.Timeout,
			IdleBackoff:      cfg.Fetch.IdleBackoff,
			DequeueBudget:    cfg.Frontier.DequeueBudget,
			FailureThreshold: cfg.Fetch.FailureThreshold,
		},
	}, app.frontier, fetcher, app.results, clock, func(ctx context.Context, err error) {
		app.orch.FailActive(ctx, crawler.ReasonPoolStalled, err)
	}, logger.Named("pool"))

	app.planner = search.NewPlanner(ix, analyzer, search.Config{
		DefaultPageSize: cfg.Search.DefaultPageSize,
		MaxPageSize:     cfg.Search.MaxPageSize,
	}, logger.Named("search"))

	app.apiServer = api.NewServer(app.orch, app.planner, func() (bool, any) {
		h := app.pool.Health()
		return h.Healthy(), h
	}, cfg.Auth, logger.Named("api"))

	if n, err := app.orch.Recover(ctx); err != nil {
		logger.Warn("recovering unfinished jobs failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("failed jobs left unfinished by a previous run", zap.Int("count", n))
	}
	return app, nil
}

// Orchestrator exposes the job orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}

// Planner exposes the query planner.
func (a *App) Planner() *search.Planner {
	return a.planner
}

// RunPipeline runs the fetch pool, the processors and the orchestrator until
// ctx ends or one of them fails.
func (a *App) RunPipeline(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pool.Run(gctx) })
	g.Go(func() error { return a.processor.Run(gctx) })
	g.Go(func() error { return a.orch.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		a.results.Close()
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	return nil
}

// Run serves the HTTP API and the crawl pipeline until ctx is canceled, then
// shuts both down.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.RunPipeline(gctx) })
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
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	a.Close(closeCtx)
	return runErr
}

// Close releases clients and flushes telemetry.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure(_ context.Context) {
	if a.gcpPublisher != nil {
		a.gcpPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgJobs != nil {
		a.pgJobs.Close()
	}
}

func (a *App) setupJobStore(ctx context.Context) (crawler.JobStore, error) {
	if a.cfg.Storage.JobStore != "postgres" {
		a.logger.Info("using in-memory job store")
		return memorystorage.NewJobStore(), nil
	}
	store, err := pgstore.NewJobStore(ctx, pgstore.JobStoreConfig{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("init postgres job store: %w", err)
	}
	a.pgJobs = store
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("init postgres job store: %w", err)
	}
	a.logger.Info("using postgres job store", zap.String("table", a.cfg.DB.Table))
	return store, nil
}

func (a *App) setupBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Blob {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket:       a.cfg.Storage.GCSBucket,
			CacheControl: a.cfg.Storage.CacheControl,
		})
		if err != nil {
			return nil, fmt.Errorf("init gcs blob store: %w", err)
		}
		a.logger.Info("archiving raw pages to GCS", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case "memory":
		a.logger.Info("archiving raw pages in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	switch a.cfg.PubSub.Provider {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		a.pubsubClient = client
		a.gcpPublisher = gcppublisher.New(client)
		a.logger.Info("publishing job events to pubsub", zap.String("topic", a.cfg.PubSub.TopicName))
		return a.gcpPublisher, nil
	case "memory":
		a.logger.Info("keeping recent job events in memory", zap.Int("limit", memoryEventLimit))
		return memorypublisher.New(memorypublisher.WithLimit(memoryEventLimit)), nil
	default:
		return nil, nil
	}
}
