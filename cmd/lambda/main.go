package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/dunamismax/imagehandler/internal/app"
	"github.com/dunamismax/imagehandler/internal/config"
	"github.com/dunamismax/imagehandler/internal/telemetry"
)

func main() {
	logger := log.New(os.Stdout, "[lambda] ", log.LstdFlags|log.Lmsgprefix)
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		logger.Printf("configuration load failed err=%v", err)
		lambda.Start(failing(err))
		return
	}

	tracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}

	// Invalid configuration is reported per invocation rather than crashing
	// the container, so callers see a ConfigurationError response.
	a, err := app.Build(ctx, logger, cfg)
	if err != nil {
		logger.Printf("image handler build failed err=%v", err)
		lambda.Start(failing(err))
		return
	}

	handle := func(ctx context.Context, raw json.RawMessage) (any, error) {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := tracing.ForceFlush(flushCtx); err != nil {
				logger.Printf("trace flush failed err=%v", err)
			}
		}()
		return a.Handler.Invoke(ctx, raw)
	}

	lambda.StartWithOptions(handle, lambda.WithEnableSIGTERM(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Printf("tracing shutdown failed err=%v", err)
		}
		if err := a.Close(); err != nil {
			logger.Printf("shutdown failed err=%v", err)
		}
	}))
}

func failing(err error) func(context.Context, json.RawMessage) (any, error) {
	return func(context.Context, json.RawMessage) (any, error) {
		return nil, err
	}
}
