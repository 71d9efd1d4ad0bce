package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dunamismax/imagehandler/internal/app"
	"github.com/dunamismax/imagehandler/internal/config"
	"github.com/dunamismax/imagehandler/internal/telemetry"
	"github.com/dunamismax/imagehandler/internal/webhook"
	"github.com/dunamismax/imagehandler/internal/worker"
)

func main() {
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Printf("load .env failed err=%v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	tracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}

	a, err := app.Build(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("build image handler: %v", err)
	}
	if a.Batch == nil {
		logger.Fatalf("worker requires OUTPUT_BUCKET for variant output")
	}

	var hooks *webhook.Client
	if cfg.Webhook.URL != "" {
		hooks = webhook.NewClient(webhook.Config{
			SigningSecret: cfg.Webhook.Secret,
			Timeout:       cfg.Webhook.Timeout,
			MaxAttempts:   cfg.Webhook.MaxRetries,
		})
	}

	logger.Printf(
		"starting worker concurrency=%d queue=%s redis=%s transforms=%d",
		cfg.Worker.Concurrency,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		len(cfg.Batch.Transforms),
	)

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, a.Batch, hooks, cfg.Webhook.URL)
	if err != nil {
		logger.Fatalf("worker init failed: %v", err)
	}

	if cfg.Image.MetricsEnabled {
		go serveMetrics(logger, cfg.Worker.MetricsAddr, append(prometheus.Gatherers{srv.Gatherer()}, a.Gatherers()...))
	}

	// Run blocks until SIGINT or SIGTERM and drains in-flight tasks.
	if err := srv.Run(); err != nil {
		logger.Printf("worker failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
	if err := a.Close(); err != nil {
		logger.Printf("close components failed: %v", err)
	}
}

func serveMetrics(logger *log.Logger, addr string, gatherers prometheus.Gatherers) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Printf("metrics listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("metrics server failed: %v", err)
	}
}
