// Package app wires every component of the exception clustering core
// together and owns the process lifecycle — construction order, start order,
// signal handling, and graceful shutdown — mirroring the teacher's
// internal/app/app.go shape (a single App struct holding every component,
// New/Start/Stop/Run as the only exported lifecycle surface) with the
// teacher's enterprise-feature and sink layers replaced by this core's own
// component set.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"excluster/internal/cluster"
	"excluster/internal/config"
	"excluster/internal/dedup"
	"excluster/internal/extract"
	"excluster/internal/fetch"
	"excluster/internal/indexing"
	"excluster/internal/ingress"
	"excluster/internal/ratelimit"
	"excluster/internal/scheduler"
	"excluster/internal/store"
	"excluster/internal/store/migrations"
	"excluster/internal/workerpool"
	"excluster/pkg/types"
)

// App is the process: every long-lived component plus the HTTP server that
// exposes the Ingress API (§4.4) and query surface (§6).
type App struct {
	config *config.Config
	logger *logrus.Logger

	store     store.Store
	dedup     *dedup.Cache
	limiter   *ratelimit.Limiter
	clusterer *cluster.Clusterer
	pool      *workerpool.Pool
	fetcher   *fetch.Fetcher
	scheduler *scheduler.Scheduler
	ingress   *ingress.Server

	httpServer *http.Server
	configFile string
}

// New loads configuration, validates it, and constructs every component in
// dependency order without starting any background goroutine — that is
// Start's job, matching the teacher's New/initializeComponents/Start split.
func New(configFile string) (*App, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.App.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	app := &App{
		config:     cfg,
		logger:     logger,
		configFile: configFile,
	}

	if err := app.initStore(); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	app.initPipeline()
	app.initFetcher()
	app.initHTTPServer()

	return app, nil
}

func (app *App) initStore() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pg, err := store.NewPostgresStore(ctx, store.Config{
		URL:      app.config.Store.URL,
		MaxConns: app.config.Store.MaxConns,
	}, app.logger)
	if err != nil {
		return err
	}
	if err := migrations.Up(ctx, pg.Pool()); err != nil {
		pg.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	app.store = pg
	return nil
}

func (app *App) initPipeline() {
	app.dedup = dedup.New(dedup.Config{
		Window: time.Duration(app.config.Ingest.DedupWindowSeconds) * time.Second,
	}, app.logger)

	app.limiter = ratelimit.New(ratelimit.Config{
		Capacity:        app.config.Ingest.RateLimitPerServicePerMin,
		RefillPerMinute: app.config.Ingest.RateLimitPerServicePerMin,
	})

	app.clusterer = cluster.New(app.store, app.logger)

	// The scheduler doubles as the worker pool's Notifier (its
	// NotifyClusterCreated drives §4.8's exception-triggered indexing hook),
	// so it must exist before the pool is constructed.
	app.scheduler = scheduler.New(scheduler.Config{
		TickSeconds:                    app.config.Scheduler.TickSeconds,
		CodeIndexingMinIntervalMinutes: app.config.Scheduler.CodeIndexingMinIntervalMinutes,
		CleanupCron:                    app.config.Scheduler.CleanupCron,
	}, app.store, nil /* fetcher set in initFetcher */, indexing.NewClient(app.config.Indexing.Endpoint, app.logger), app.logger)

	app.pool = workerpool.New(workerpool.Config{
		PoolSize:       app.config.Worker.PoolSize,
		QueueCapacity:  app.config.Worker.QueueCapacity,
		RecordDeadline: time.Duration(app.config.Worker.RecordDeadlineMS) * time.Millisecond,
		ShutdownGrace:  time.Duration(app.config.Worker.ShutdownGraceSeconds) * time.Second,
	}, app.dedup, app.clusterer, extract.Options{VendorPrefixes: app.config.Extraction.VendorPrefixes}, app.scheduler, app.logger)
}

func (app *App) initFetcher() {
	app.fetcher = fetch.New(app.store, app.pool, app.logger)
	app.scheduler.SetFetcher(app.fetcher)

	// Adapters are registered at startup only if they construct: one that fails
	// (missing credentials, unreachable cluster) degrades that source type
	// to "no adapter registered", logged per-fetch rather than aborting
	// startup, since a service may configure only the source types it uses.
	if esAdapter, err := fetch.NewElasticsearchAdapter(fetch.ElasticsearchConfig{Hosts: []string{"http://localhost:9200"}}); err == nil {
		app.fetcher.Register(types.SourceTypeOpenSearch, esAdapter)
		app.fetcher.Register(types.SourceTypeElasticsearch, esAdapter)
	} else {
		app.logger.WithError(err).Warn("elasticsearch adapter unavailable")
	}
	app.fetcher.Register(types.SourceTypeFile, fetch.NewFileAdapter(app.logger))

	if cwAdapter, err := fetch.NewCloudWatchAdapter(context.Background(), "us-east-1"); err == nil {
		app.fetcher.Register(types.SourceTypeCloudWatch, cwAdapter)
	} else {
		app.logger.WithError(err).Warn("cloudwatch adapter unavailable")
	}
}

func (app *App) initHTTPServer() {
	srv := ingress.New(ingress.Config{
		Token:      app.config.Ingest.Token,
		BatchLimit: app.config.Ingest.BatchLimit,
	}, app.store, app.pool, app.limiter, app.dedup, app.clusterer, app.logger)
	app.ingress = srv

	addr := fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port)
	app.httpServer = &http.Server{
		Addr:    addr,
		Handler: srv.Router(),
	}
	app.logger.WithField("addr", addr).Info("HTTP server initialized")
}

// Start begins the background components in dependency order: worker pool
// first (so the HTTP server has somewhere to hand off accepted records),
// then the scheduler, then the HTTP listener last, in its own goroutine.
func (app *App) Start() error {
	app.logger.Info("starting exception clustering core")

	app.pool.Start()

	if err := app.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	go func() {
		app.logger.WithField("addr", app.httpServer.Addr).Info("starting HTTP server")
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.logger.WithError(err).Error("HTTP server error")
		}
	}()

	app.logger.Info("exception clustering core started")
	return nil
}

// Stop performs graceful shutdown: stop accepting HTTP requests, stop the
// scheduler so no new fetch/indexing work starts, then drain the worker pool
// (§4.6 Cancellation), finally closing the store.
func (app *App) Stop() error {
	app.logger.Info("stopping exception clustering core")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.WithError(err).Error("failed to shut down HTTP server")
	}

	app.scheduler.Stop()
	app.pool.Stop()
	app.dedup.Close()
	app.store.Close()

	app.logger.Info("exception clustering core stopped")
	return nil
}

// Run starts the app and blocks until SIGINT/SIGTERM, then shuts down
// gracefully, matching the teacher's own Run().
func (app *App) Run() error {
	if err := app.Start(); err != nil {
		return err
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	app.logger.Info("shutdown signal received")
	return app.Stop()
}
