package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/dunamismax/imagehandler/internal/api"
	"github.com/dunamismax/imagehandler/internal/app"
	"github.com/dunamismax/imagehandler/internal/config"
	"github.com/dunamismax/imagehandler/internal/queue"
	"github.com/dunamismax/imagehandler/internal/ratelimit"
	"github.com/dunamismax/imagehandler/internal/telemetry"
)

func main() {
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)
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

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Worker.MaxRetry)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	opts := api.Options{
		MetricsEnabled: cfg.Image.MetricsEnabled,
		Gatherers:      a.Gatherers(),
	}
	if cfg.API.RateLimitEnabled {
		limiter, closeLimiter, err := buildRateLimiter(logger, cfg)
		if err != nil {
			logger.Fatalf("rate limiter: %v", err)
		}
		defer closeLimiter()
		opts.RateLimiter = limiter
	}

	server := api.NewServer(logger, a.Handler, queueClient, a.Metadata, opts)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Printf("tracing shutdown failed: %v", err)
	}
	if err := a.Close(); err != nil {
		logger.Printf("close components failed: %v", err)
	}
}

// buildRateLimiter shares buckets through redis when it answers and falls
// back to per-process buckets otherwise.
func buildRateLimiter(logger *log.Logger, cfg config.Config) (ratelimit.Limiter, func(), error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		logger.Printf("redis unavailable, using in-process rate limit addr=%s err=%v", cfg.Queue.RedisAddr, err)
		local, err := ratelimit.NewLocalLimiter(cfg.API.RateLimitCapacity, cfg.API.RateLimitRefillRate)
		return local, func() {}, err
	}

	bucket, err := ratelimit.NewRedisTokenBucket(client, cfg.API.RateLimitCapacity, cfg.API.RateLimitRefillRate, ratelimit.DefaultKeyPrefix)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return bucket, func() { _ = client.Close() }, nil
}
