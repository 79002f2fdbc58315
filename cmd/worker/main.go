// Package main implements the generation worker. It consumes image generation
// jobs from a Redis list or SQS queue, runs them against the remote inference
// service and publishes one result per job. It also serves /healthz and
// /metrics for the platform.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/phrazzld/nvcf-orchestrator/internal/config"
	"github.com/phrazzld/nvcf-orchestrator/internal/platform/logger"
	"github.com/phrazzld/nvcf-orchestrator/internal/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("worker failed: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	l, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	l.Info("configuration loaded",
		"log_level", cfg.Server.LogLevel,
		"metrics_addr", cfg.Server.MetricsAddr,
		"dialect", cfg.NVCF.Dialect,
		"storage_backend", cfg.Storage.Backend,
		"queue_backend", cfg.Queue.Backend,
		"worker_count", cfg.Server.WorkerCount)

	transport, err := queue.Open(ctx, cfg.Queue, cfg.Server.WorkerCount)
	if err != nil {
		return fmt.Errorf("failed to open %s queue: %w", cfg.Queue.Backend, err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app, err := newApplication(ctx, cfg, l, transport, registry)
	if err != nil {
		if cerr := transport.Close(); cerr != nil {
			slog.Error("failed to close queue", "error", cerr)
		}
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return app.Run(ctx)
}
