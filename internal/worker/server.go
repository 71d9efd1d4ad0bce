package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/imagehandler/internal/config"
	"github.com/dunamismax/imagehandler/internal/domain"
	"github.com/dunamismax/imagehandler/internal/queue"
	"github.com/dunamismax/imagehandler/internal/webhook"
)

// Ingester expands one source object into its variants.
type Ingester interface {
	ProcessObject(ctx context.Context, bucket, key string) (domain.BatchRecord, bool)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	ingester      Ingester
	webhookClient webhookSender
	webhookURL    string
	metrics       *metrics
	tracer        trace.Tracer
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	ingester Ingester,
	webhookClient *webhook.Client,
	webhookURL string,
) (*Server, error) {
	if ingester == nil {
		return nil, fmt.Errorf("ingester is required")
	}

	s := newServer(logger, ingester, webhookURL)
	if webhookClient != nil {
		s.webhookClient = webhookClient
	}
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: max(1, workerCfg.Concurrency),
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
			}),
		},
	)
	return s, nil
}

func newServer(logger *log.Logger, ingester Ingester, webhookURL string) *Server {
	return &Server{
		logger:     logger,
		ingester:   ingester,
		webhookURL: webhookURL,
		metrics:    newMetrics(),
		tracer:     otel.Tracer("imagehandler/worker"),
	}
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeIngestObject, s.handleIngest)
	return s.server.Run(mux)
}

func (s *Server) Gatherer() prometheus.Gatherer {
	return s.metrics.registry
}

func (s *Server) handleIngest(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := "skipped"

	payload, err := queue.ParseIngestPayload(task)
	if err != nil {
		s.metrics.tasksTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.ingest", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("request.id", payload.RequestID),
		attribute.String("s3.bucket", payload.Bucket),
		attribute.String("s3.key", payload.Key),
	)
	defer span.End()
	defer func() {
		s.metrics.taskDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.tasksTotal.WithLabelValues(outcome).Inc()
	}()

	s.metrics.activeTasks.Inc()
	defer s.metrics.activeTasks.Dec()

	s.logger.Printf("Working... request_id=%s bucket=%s key=%s", payload.RequestID, payload.Bucket, payload.Key)

	record, ok := s.ingester.ProcessObject(ctx, payload.Bucket, payload.Key)
	if !ok {
		span.SetStatus(codes.Ok, "skipped")
		return nil
	}

	outcome = record.Status
	s.metrics.variantsTotal.Add(float64(record.Succeeded()))
	span.SetAttributes(
		attribute.String("batch.id", record.ImageID),
		attribute.Int("batch.variants", len(record.Variants)),
		attribute.Int("batch.succeeded", record.Succeeded()),
	)
	s.logger.Printf(
		"Processed batch_id=%s status=%s variants=%d/%d",
		record.ImageID,
		record.Status,
		record.Succeeded(),
		len(record.Variants),
	)

	if record.Status == domain.BatchStatusFailed && !finalAttempt(ctx) {
		span.SetStatus(codes.Error, "ingest failed")
		return fmt.Errorf("ingest %s/%s: %s", payload.Bucket, payload.Key, record.ErrorMessage)
	}

	if err := s.dispatchWebhook(ctx, payload, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if record.Status == domain.BatchStatusFailed {
		span.SetStatus(codes.Error, "ingest failed")
		return fmt.Errorf("ingest %s/%s: %s: %w", payload.Bucket, payload.Key, record.ErrorMessage, asynq.SkipRetry)
	}

	span.SetStatus(codes.Ok, record.Status)
	return nil
}

// finalAttempt reports whether asynq will not retry the task again. Outside
// an asynq handler there is no retry, so every call is final.
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return retried >= maxRetry
}

func (s *Server) dispatchWebhook(ctx context.Context, payload queue.IngestPayload, record domain.BatchRecord) error {
	endpoint := payload.WebhookURL
	if endpoint == "" {
		endpoint = s.webhookURL
	}
	if endpoint == "" || s.webhookClient == nil {
		return nil
	}

	event := webhook.EventForStatus(record.Status)
	if err := s.webhookClient.Send(ctx, endpoint, event, map[string]any{
		"batch_id":     record.ImageID,
		"request_id":   payload.RequestID,
		"bucket":       record.BucketName,
		"key":          record.Key,
		"status":       record.Status,
		"variants":     record.Variants,
		"error":        record.ErrorMessage,
		"requested_at": payload.RequestedAt,
		"finished_at":  time.Now().UTC(),
	}); err != nil {
		s.logger.Printf("webhook delivery failed batch_id=%s event=%s err=%v", record.ImageID, event, err)
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}
