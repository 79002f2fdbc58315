package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/nvcf-orchestrator/internal/blobstore"
	"github.com/phrazzld/nvcf-orchestrator/internal/config"
	"github.com/phrazzld/nvcf-orchestrator/internal/generation"
	"github.com/phrazzld/nvcf-orchestrator/internal/metrics"
	"github.com/phrazzld/nvcf-orchestrator/internal/nvcf"
	"github.com/phrazzld/nvcf-orchestrator/internal/queue"
	"github.com/phrazzld/nvcf-orchestrator/internal/service"
	"github.com/phrazzld/nvcf-orchestrator/internal/task"
	"github.com/prometheus/client_golang/prometheus"
)

// shutdownTimeout bounds the HTTP server shutdown.
const shutdownTimeout = 10 * time.Second

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config   *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry

	store     blobstore.Store
	client    *nvcf.Client
	service   *service.GenerationService
	transport queue.Transport

	taskQueue *task.TaskQueue
	pool      *task.WorkerPool
	consumer  *queue.Consumer
}

// newApplication creates a new application instance with all dependencies initialized.
// The queue transport is opened by the caller and closed by Run.
func newApplication(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	transport queue.Transport,
	registry *prometheus.Registry,
) (*application, error) {
	app := &application{
		config:    cfg,
		logger:    logger,
		registry:  registry,
		transport: transport,
	}

	var err error
	app.store, err = blobstore.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s blob store: %w", cfg.Storage.Backend, err)
	}
	logger.Info("blob store initialized", "backend", cfg.Storage.Backend)

	app.client, err = newNVCFClient(cfg.NVCF, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create nvcf client: %w", err)
	}

	handler, err := generation.NewHandler(app.client, metrics.NewPrometheus(registry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation handler: %w", err)
	}

	images, err := service.NewImageLoader(app.store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create image loader: %w", err)
	}
	builder, err := service.NewBuilder(cfg.NVCF.Functions, cfg.Features, cfg.Defaults, images)
	if err != nil {
		return nil, fmt.Errorf("failed to create request builder: %w", err)
	}
	app.service, err = service.NewGenerationService(builder, handler, app.store, cfg.Storage.OutputPrefix, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation service: %w", err)
	}

	app.taskQueue = task.NewTaskQueue(cfg.Server.QueueSize, logger)
	app.pool = task.NewWorkerPool(app.taskQueue, task.WorkerPoolConfig{
		WorkerCount: cfg.Server.WorkerCount,
		TaskTimeout: time.Duration(cfg.Server.JobTimeoutSeconds) * time.Second,
	}, logger)

	factory := task.NewGenerationTaskFactory(app.service, transport, logger)
	app.consumer = queue.NewConsumer(transport, factory, app.taskQueue, logger)

	logger.Info("application initialized successfully")
	return app, nil
}

// newNVCFClient wires the remote service client from its configuration.
func newNVCFClient(cfg config.NVCFConfig, logger *slog.Logger) (*nvcf.Client, error) {
	dialect, err := nvcf.DialectByName(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	httpClient := nvcf.NewHTTPClient(time.Duration(cfg.HTTPTimeoutSeconds) * time.Second)

	var tokenOpts []nvcf.TokenOption
	if cfg.SingleFlightRefresh {
		tokenOpts = append(tokenOpts, nvcf.WithSingleFlightRefresh())
	}
	tokens, err := nvcf.NewTokenManager(nvcf.Credential{
		AuthURL:       cfg.AuthURL,
		Username:      cfg.Username,
		Secret:        cfg.Secret,
		RefreshBuffer: time.Duration(cfg.TokenRefreshBufferSeconds) * time.Second,
	}, httpClient, logger, tokenOpts...)
	if err != nil {
		return nil, err
	}

	endpoint := nvcf.Endpoint(cfg.BaseURL)
	stager, err := nvcf.NewAssetStager(endpoint, httpClient, logger)
	if err != nil {
		return nil, err
	}
	decoder, err := nvcf.NewDecoder(httpClient, logger)
	if err != nil {
		return nil, err
	}
	classifier := nvcf.NewClassifier(
		[]string{cfg.Functions.Faceswap, cfg.Functions.FaceswapIP},
		cfg.Functions.Diffusion,
	)

	return nvcf.NewClient(nvcf.ClientConfig{
		BaseURL:         cfg.BaseURL,
		Dialect:         dialect,
		MaxPollAttempts: cfg.MaxPollAttempts,
		MinPollInterval: time.Duration(cfg.MinPollInterval * float64(time.Second)),
		PollSeconds:     cfg.PollSeconds,
	}, httpClient, tokens, stager, decoder, classifier, logger)
}

// Run starts the worker pool, the queue consumer and the HTTP server, and
// blocks until ctx is cancelled or a component fails. Queued jobs are given
// one job timeout to finish before they are cancelled.
func (app *application) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              app.config.Server.MetricsAddr,
		Handler:           app.setupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	app.pool.Start()

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()
	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- app.consumer.Run(consumerCtx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("starting http server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		app.logger.Info("shutdown signal received")
	case err := <-serverErr:
		app.logger.Error("http server failed", "error", err)
		runErr = fmt.Errorf("http server failed: %w", err)
	case err := <-consumerDone:
		consumerDone <- err
		if err != nil {
			app.logger.Error("queue consumer stopped", "error", err)
			runErr = fmt.Errorf("queue consumer stopped: %w", err)
		}
	}

	stopConsumer()
	<-consumerDone
	app.taskQueue.Close()

	drainTimeout := time.Duration(app.config.Server.JobTimeoutSeconds) * time.Second
	if !app.pool.Drain(drainTimeout) {
		app.logger.Warn("jobs were cancelled during shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("http server shutdown failed", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("http server shutdown failed: %w", err)
		}
	}

	app.cleanup()
	return runErr
}

// cleanup releases resources held outside the worker pool.
func (app *application) cleanup() {
	if app.transport != nil {
		if err := app.transport.Close(); err != nil {
			app.logger.Error("error closing queue transport", "error", err)
		}
	}
	app.logger.Info("application shutdown completed")
}
