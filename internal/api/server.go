package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/imagehandler/internal/domain"
	"github.com/dunamismax/imagehandler/internal/queue"
)

const HeaderRequestID = "X-Request-Id"

// ImageHandler answers one image request in API Gateway proxy form.
type ImageHandler interface {
	HandleProxy(ctx context.Context, ev events.APIGatewayProxyRequest) events.APIGatewayProxyResponse
}

type ingestEnqueuer interface {
	EnqueueIngest(ctx context.Context, payload queue.IngestPayload) (*asynq.TaskInfo, error)
}

type batchReader interface {
	GetBatch(ctx context.Context, imageID string) (*domain.BatchRecord, error)
}

// Options carries the optional collaborators of a Server.
type Options struct {
	RateLimiter            RateLimiter
	RateLimitSubjectHeader string
	MetricsEnabled         bool
	// Gatherers are exposed on /metrics alongside the api's own registry.
	Gatherers []prometheus.Gatherer
}

type Server struct {
	logger                *log.Logger
	images                ImageHandler
	queueClient           ingestEnqueuer
	batches               batchReader
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	metrics               *metrics
	metricsEnabled        bool
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

func NewServer(logger *log.Logger, images ImageHandler, queueClient ingestEnqueuer, batches batchReader, opts Options) *Server {
	header := strings.TrimSpace(opts.RateLimitSubjectHeader)
	if header == "" {
		header = "X-Forwarded-For"
	}

	s := &Server{
		logger:                logger,
		images:                images,
		queueClient:           queueClient,
		batches:               batches,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: header,
		metrics:               newMetrics(opts.Gatherers...),
		metricsEnabled:        opts.MetricsEnabled,
		tracer:                otel.Tracer("imagehandler/api"),
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withRequestID(s.metrics.withHTTPMetrics(s.withTracing(s.withRateLimit(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metricsEnabled {
		s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	}
	s.mux.HandleFunc("POST /v1/ingest", s.handleIngest)
	s.mux.HandleFunc("GET /v1/batches/{id}", s.handleGetBatch)
	// GET patterns also match HEAD.
	s.mux.HandleFunc("GET /", s.handleImage)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleImage adapts a plain HTTP request into the proxy event shape so the
// same normalize, process and deliver path serves both Lambda and HTTP.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if s.images == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "image handler is unavailable"})
		return
	}

	resp := s.images.HandleProxy(r.Context(), proxyRequest(r))

	body := []byte(resp.Body)
	if resp.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			s.logger.Printf("decode proxy body failed path=%s err=%v", r.URL.Path, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to encode response"})
			return
		}
		body = decoded
	}

	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(body); err != nil {
		s.logger.Printf("write image response failed path=%s err=%v", r.URL.Path, err)
	}
}

func proxyRequest(r *http.Request) events.APIGatewayProxyRequest {
	query := make(map[string]string, len(r.URL.Query()))
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	return events.APIGatewayProxyRequest{
		Path:                  r.URL.Path,
		HTTPMethod:            r.Method,
		Headers:               headers,
		QueryStringParameters: query,
		RequestContext: events.APIGatewayProxyRequestContext{
			RequestID: r.Header.Get(HeaderRequestID),
		},
	}
}

type ingestRequest struct {
	Bucket     string `json:"bucket"`
	Key        string `json:"key"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

func (req ingestRequest) validate() error {
	if strings.TrimSpace(req.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.TrimSpace(req.Key) == "" {
		return errors.New("key is required")
	}
	if req.WebhookURL != "" && !strings.HasPrefix(req.WebhookURL, "https://") && !strings.HasPrefix(req.WebhookURL, "http://") {
		return errors.New("webhook_url must be an http(s) URL")
	}
	return nil
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.queueClient == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ingest queue is unavailable"})
		return
	}

	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	batchID := domain.BatchIDFor(req.Bucket, req.Key)
	payload := queue.IngestPayload{
		RequestID:   r.Header.Get(HeaderRequestID),
		Bucket:      strings.TrimSpace(req.Bucket),
		Key:         strings.TrimSpace(req.Key),
		WebhookURL:  req.WebhookURL,
		RequestedAt: time.Now().UTC(),
	}

	taskInfo, err := s.queueClient.EnqueueIngest(r.Context(), payload)
	if errors.Is(err, queue.ErrDuplicate) {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"batch_id": batchID,
			"status":   "already_queued",
		})
		return
	}
	if err != nil {
		s.logger.Printf("enqueue failed batch_id=%s err=%v", batchID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue ingest"})
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id":    batchID,
		"status":      "queued",
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
		"status_url":  fmt.Sprintf("/v1/batches/%s", batchID),
	})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "metadata store is unavailable"})
		return
	}

	batchID := strings.TrimSpace(r.PathValue("id"))
	if !strings.HasPrefix(batchID, "batch_") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expected path format /v1/batches/batch_{id}"})
		return
	}

	rec, err := s.batches.GetBatch(r.Context(), batchID)
	if err != nil {
		s.logger.Printf("fetch batch failed batch_id=%s err=%v", batchID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load batch"})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "batch not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set(HeaderRequestID, requestID)
		}
		w.Header().Set(HeaderRequestID, requestID)
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
