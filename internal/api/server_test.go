package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/hibiken/asynq"

	"github.com/dunamismax/imagehandler/internal/domain"
	"github.com/dunamismax/imagehandler/internal/queue"
	"github.com/dunamismax/imagehandler/internal/ratelimit"
	"github.com/dunamismax/imagehandler/internal/store"
)

func TestImageRouteForwardsProxyRequest(t *testing.T) {
	images := &stubImages{resp: events.APIGatewayProxyResponse{
		StatusCode:      http.StatusOK,
		Headers:         map[string]string{"Content-Type": "image/png", "Cache-Control": "max-age=31536000,public"},
		Body:            base64.StdEncoding.EncodeToString([]byte("png-bytes")),
		IsBase64Encoded: true,
	}}
	s := NewServer(log.New(io.Discard, "", 0), images, nil, nil, Options{})

	req := httptest.NewRequest(http.MethodGet, "/eyJrZXkiOiJjYXQucG5nIn0=?signature=abc", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "png-bytes" {
		t.Fatalf("expected decoded body, got %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("expected image/png, got %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get(HeaderRequestID) == "" {
		t.Fatal("expected a generated request id")
	}
	if images.got.Path != "/eyJrZXkiOiJjYXQucG5nIn0=" {
		t.Fatalf("unexpected proxied path %q", images.got.Path)
	}
	if images.got.QueryStringParameters["signature"] != "abc" {
		t.Fatalf("expected query parameters to be forwarded, got %v", images.got.QueryStringParameters)
	}
	if images.got.RequestContext.RequestID == "" {
		t.Fatal("expected request id on proxied event")
	}
}

func TestImageRouteHeadOmitsBody(t *testing.T) {
	images := &stubImages{resp: events.APIGatewayProxyResponse{
		StatusCode:      http.StatusOK,
		Body:            base64.StdEncoding.EncodeToString([]byte("png-bytes")),
		IsBase64Encoded: true,
	}}
	s := NewServer(log.New(io.Discard, "", 0), images, nil, nil, Options{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/cat.png", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body for HEAD, got %d bytes", rec.Body.Len())
	}
}

func TestIngestEnqueuesTask(t *testing.T) {
	enq := &stubEnqueuer{}
	s := NewServer(log.New(io.Discard, "", 0), nil, enq, nil, Options{})

	body := bytes.NewBufferString(`{"bucket":"source","key":"uploads/cat.jpg"}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", body)
	req.Header.Set(HeaderRequestID, "req-42")
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if enq.payload.Bucket != "source" || enq.payload.Key != "uploads/cat.jpg" {
		t.Fatalf("unexpected payload %+v", enq.payload)
	}
	if enq.payload.RequestID != "req-42" {
		t.Fatalf("expected request id req-42, got %q", enq.payload.RequestID)
	}

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["batch_id"] != domain.BatchIDFor("source", "uploads/cat.jpg") {
		t.Fatalf("unexpected batch id %v", out["batch_id"])
	}
	if out["status"] != "queued" {
		t.Fatalf("expected queued status, got %v", out["status"])
	}
}

func TestIngestReportsDuplicate(t *testing.T) {
	enq := &stubEnqueuer{err: queue.ErrDuplicate}
	s := NewServer(log.New(io.Discard, "", 0), nil, enq, nil, Options{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(`{"bucket":"source","key":"a.jpg"}`)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "already_queued") {
		t.Fatalf("expected already_queued status, got %s", rec.Body.String())
	}
}

func TestIngestRejectsInvalidBody(t *testing.T) {
	s := NewServer(log.New(io.Discard, "", 0), nil, &stubEnqueuer{}, nil, Options{})

	cases := []string{
		`{"bucket":"source"}`,
		`{"key":"a.jpg"}`,
		`{"bucket":"source","key":"a.jpg","extra":true}`,
		`{"bucket":"source","key":"a.jpg","webhook_url":"ftp://x"}`,
		`{"bucket":"source","key":"a.jpg"}{}`,
	}
	for _, body := range cases {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestGetBatch(t *testing.T) {
	meta := store.NewMemoryMetadataStore()
	batchID := domain.BatchIDFor("source", "uploads/cat.jpg")
	if err := meta.PutBatch(context.Background(), domain.BatchRecord{
		ImageID:    batchID,
		BucketName: "source",
		Key:        "uploads/cat.jpg",
		Status:     domain.BatchStatusCompleted,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	s := NewServer(log.New(io.Discard, "", 0), nil, nil, meta, Options{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batches/"+batchID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got domain.BatchRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if got.Status != domain.BatchStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batches/batch_missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batches/nope", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRateLimitRejectsImageRequests(t *testing.T) {
	limiter, err := ratelimit.NewLocalLimiter(1, 0.001)
	if err != nil {
		t.Fatalf("NewLocalLimiter returned error: %v", err)
	}
	images := &stubImages{resp: events.APIGatewayProxyResponse{StatusCode: http.StatusOK}}
	s := NewServer(log.New(io.Discard, "", 0), images, nil, nil, Options{RateLimiter: limiter})

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/cat.png", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	s.Handler().ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	s.Handler().ServeHTTP(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	health := httptest.NewRecorder()
	s.Handler().ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("expected healthz to bypass rate limiting, got %d", health.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/healthz":              "/healthz",
		"/metrics":              "/metrics",
		"/v1/ingest":            "/v1/ingest",
		"/v1/batches/batch_ab":  "/v1/batches/{id}",
		"/fit-in/200x200/a.jpg": "/{image}",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(log.New(io.Discard, "", 0), nil, nil, nil, Options{MetricsEnabled: true})
	s.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "imagehandler_api_requests_total") {
		t.Fatal("expected api request counter in metrics output")
	}
}

func TestMetricsEndpointDisabled(t *testing.T) {
	s := NewServer(log.New(io.Discard, "", 0), nil, nil, nil, Options{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected /metrics to fall through to the image route, got %d", rec.Code)
	}
}

type stubImages struct {
	resp events.APIGatewayProxyResponse
	got  events.APIGatewayProxyRequest
}

func (s *stubImages) HandleProxy(_ context.Context, ev events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	s.got = ev
	return s.resp
}

type stubEnqueuer struct {
	payload queue.IngestPayload
	err     error
}

func (s *stubEnqueuer) EnqueueIngest(_ context.Context, payload queue.IngestPayload) (*asynq.TaskInfo, error) {
	s.payload = payload
	if s.err != nil {
		return nil, s.err
	}
	return &asynq.TaskInfo{ID: "task-1", Queue: "default", State: asynq.TaskStatePending}, nil
}
