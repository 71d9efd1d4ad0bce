package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/imagehandler/internal/domain"
	"github.com/dunamismax/imagehandler/internal/queue"
	"github.com/dunamismax/imagehandler/internal/webhook"
)

func TestHandleIngestCompletedSendsWebhook(t *testing.T) {
	ingester := &stubIngester{record: domain.BatchRecord{
		ImageID:    "batch_1",
		BucketName: "source",
		Key:        "uploads/cat.jpg",
		Status:     domain.BatchStatusCompleted,
		Variants: []domain.VariantResult{
			{Suffix: "thumb", Status: domain.VariantStatusSuccess},
			{Suffix: "medium", Status: domain.VariantStatusSuccess},
		},
	}, ok: true}
	sender := &captureSender{}
	s := newTestServer(ingester, sender, "https://hooks.example.com/default")

	if err := s.handleIngest(context.Background(), ingestTask(t, "")); err != nil {
		t.Fatalf("handleIngest returned error: %v", err)
	}

	if ingester.bucket != "source" || ingester.key != "uploads/cat.jpg" {
		t.Fatalf("unexpected object %s/%s", ingester.bucket, ingester.key)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("expected one webhook, got %d", len(sender.calls))
	}
	call := sender.calls[0]
	if call.event != webhook.EventBatchCompleted {
		t.Fatalf("expected event %s, got %s", webhook.EventBatchCompleted, call.event)
	}
	if call.endpoint != "https://hooks.example.com/default" {
		t.Fatalf("expected default endpoint, got %s", call.endpoint)
	}
	if call.payload["batch_id"] != "batch_1" {
		t.Fatalf("expected batch_id batch_1, got %v", call.payload["batch_id"])
	}
}

func TestHandleIngestPayloadEndpointWins(t *testing.T) {
	ingester := &stubIngester{record: domain.BatchRecord{Status: domain.BatchStatusPartial}, ok: true}
	sender := &captureSender{}
	s := newTestServer(ingester, sender, "https://hooks.example.com/default")

	if err := s.handleIngest(context.Background(), ingestTask(t, "https://hooks.example.com/mine")); err != nil {
		t.Fatalf("handleIngest returned error: %v", err)
	}
	if len(sender.calls) != 1 || sender.calls[0].endpoint != "https://hooks.example.com/mine" {
		t.Fatalf("expected payload endpoint, got %+v", sender.calls)
	}
	if sender.calls[0].event != webhook.EventBatchPartial {
		t.Fatalf("expected partial event, got %s", sender.calls[0].event)
	}
}

func TestHandleIngestFailedIsFinal(t *testing.T) {
	ingester := &stubIngester{record: domain.BatchRecord{
		Status:       domain.BatchStatusFailed,
		ErrorMessage: "source object not found",
	}, ok: true}
	sender := &captureSender{}
	s := newTestServer(ingester, sender, "https://hooks.example.com/default")

	err := s.handleIngest(context.Background(), ingestTask(t, ""))
	if err == nil {
		t.Fatal("expected error for failed batch")
	}
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry on final attempt, got %v", err)
	}
	if len(sender.calls) != 1 || sender.calls[0].event != webhook.EventBatchFailed {
		t.Fatalf("expected one failed webhook, got %+v", sender.calls)
	}
}

func TestHandleIngestSkippedObject(t *testing.T) {
	ingester := &stubIngester{ok: false}
	sender := &captureSender{}
	s := newTestServer(ingester, sender, "https://hooks.example.com/default")

	if err := s.handleIngest(context.Background(), ingestTask(t, "")); err != nil {
		t.Fatalf("handleIngest returned error: %v", err)
	}
	if len(sender.calls) != 0 {
		t.Fatalf("expected no webhook for skipped object, got %d", len(sender.calls))
	}
}

func TestHandleIngestRejectsBadPayload(t *testing.T) {
	s := newTestServer(&stubIngester{}, nil, "")

	err := s.handleIngest(context.Background(), asynq.NewTask(queue.TypeIngestObject, []byte(`{}`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for invalid payload, got %v", err)
	}
}

func TestHandleIngestWebhookFailureSkipsRetry(t *testing.T) {
	ingester := &stubIngester{record: domain.BatchRecord{Status: domain.BatchStatusCompleted}, ok: true}
	sender := &captureSender{err: errors.New("connection refused")}
	s := newTestServer(ingester, sender, "https://hooks.example.com/default")

	err := s.handleIngest(context.Background(), ingestTask(t, ""))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry after webhook failure, got %v", err)
	}
}

func newTestServer(ingester Ingester, sender webhookSender, webhookURL string) *Server {
	s := newServer(log.New(io.Discard, "", 0), ingester, webhookURL)
	if sender != nil {
		s.webhookClient = sender
	}
	return s
}

func ingestTask(t *testing.T, webhookURL string) *asynq.Task {
	t.Helper()
	task, err := queue.NewIngestTask(queue.IngestPayload{
		RequestID:   "req-1",
		Bucket:      "source",
		Key:         "uploads/cat.jpg",
		WebhookURL:  webhookURL,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("NewIngestTask returned error: %v", err)
	}
	return task
}

type stubIngester struct {
	record domain.BatchRecord
	ok     bool
	bucket string
	key    string
}

func (s *stubIngester) ProcessObject(_ context.Context, bucket, key string) (domain.BatchRecord, bool) {
	s.bucket = bucket
	s.key = key
	return s.record, s.ok
}

type sentWebhook struct {
	endpoint string
	event    string
	payload  map[string]any
}

type captureSender struct {
	calls []sentWebhook
	err   error
}

func (c *captureSender) Send(_ context.Context, endpoint, event string, payload any) error {
	body, _ := payload.(map[string]any)
	c.calls = append(c.calls, sentWebhook{endpoint: endpoint, event: event, payload: body})
	return c.err
}
