// Package handler dispatches raw invocation events to the image pipeline or
// the batch controller.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/dunamismax/imagehandler/internal/delivery"
	"github.com/dunamismax/imagehandler/internal/domain"
	"github.com/dunamismax/imagehandler/internal/imgerr"
	"github.com/dunamismax/imagehandler/internal/normalize"
	"github.com/dunamismax/imagehandler/internal/processor"
	"github.com/dunamismax/imagehandler/internal/storage"
)

type Processor interface {
	Process(ctx context.Context, req domain.CanonicalRequest) (processor.Result, error)
}

type BatchController interface {
	HandleEvent(ctx context.Context, ev events.S3Event) []domain.BatchRecord
}

type Handler struct {
	logger    *log.Logger
	requests  *normalize.Builder
	processor Processor
	responses *delivery.Builder
	writer    storage.ResponseWriter
	batch     BatchController
	margin    time.Duration
}

type Deps struct {
	Requests  *normalize.Builder
	Processor Processor
	Responses *delivery.Builder
	Writer    storage.ResponseWriter
	Batch     BatchController
	Margin    time.Duration
}

func New(logger *log.Logger, deps Deps) *Handler {
	return &Handler{
		logger:    logger,
		requests:  deps.Requests,
		processor: deps.Processor,
		responses: deps.Responses,
		writer:    deps.Writer,
		batch:     deps.Batch,
		margin:    deps.Margin,
	}
}

// BatchSummary is returned for S3 notification invocations.
type BatchSummary struct {
	Processed int `json:"processed"`
	Completed int `json:"completed"`
}

// Invoke is the Lambda entry point for every supported event shape.
func (h *Handler) Invoke(ctx context.Context, raw json.RawMessage) (any, error) {
	kind := normalize.DetectKind(raw)
	switch kind {
	case normalize.KindProxy:
		var ev events.APIGatewayProxyRequest
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode proxy event: %w", err)
		}
		return h.HandleProxy(ctx, ev), nil

	case normalize.KindObjectLambda:
		var ev events.S3ObjectLambdaEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode object lambda event: %w", err)
		}
		return h.HandleObjectLambda(ctx, ev)

	case normalize.KindS3Batch:
		var ev events.S3Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode s3 event: %w", err)
		}
		return h.HandleS3(ctx, ev), nil

	default:
		return nil, imgerr.RequestTypeError("The event shape is not recognized.", nil)
	}
}

func (h *Handler) HandleProxy(ctx context.Context, ev events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	direct := delivery.Direct{Builder: h.responses}
	return direct.Proxy(h.produce(normalize.FromProxy(ev))(ctx))
}

func (h *Handler) HandleObjectLambda(ctx context.Context, ev events.S3ObjectLambdaEvent) (any, error) {
	var finisher delivery.Finisher = delivery.HeadOnly{}
	if ev.GetObjectContext != nil {
		if h.writer == nil {
			return nil, imgerr.ConfigurationError("Object Lambda write-back requires the s3 object store backend.")
		}
		finisher = delivery.WriteBack{
			Builder: h.responses,
			Writer:  h.writer,
			Logger:  h.logger,
			Route:   ev.GetObjectContext.OutputRoute,
			Token:   ev.GetObjectContext.OutputToken,
			Margin:  h.margin,
		}
	}

	ihe, err := normalize.FromObjectLambda(ev)
	if err != nil {
		fail := imgerr.RequestTypeError("The object lambda request URL could not be parsed.", err)
		return finisher.Finish(ctx, func(ctx context.Context) delivery.Response {
			return h.responses.Failure(ctx, fail, "")
		})
	}
	return finisher.Finish(ctx, h.produce(ihe))
}

func (h *Handler) HandleS3(ctx context.Context, ev events.S3Event) BatchSummary {
	if h.batch == nil {
		h.logger.Printf("s3 notification ignored records=%d reason=batch_disabled", len(ev.Records))
		return BatchSummary{}
	}

	records := h.batch.HandleEvent(ctx, ev)
	summary := BatchSummary{Processed: len(records)}
	for _, rec := range records {
		if rec.Status == domain.BatchStatusCompleted {
			summary.Completed++
		}
	}
	return summary
}

func (h *Handler) produce(ihe normalize.ImageHandlerEvent) delivery.Producer {
	return func(ctx context.Context) delivery.Response {
		req, err := h.requests.Build(ctx, ihe)
		if err != nil {
			return h.responses.Failure(ctx, err, "")
		}

		res, err := h.processor.Process(ctx, req)
		if err != nil {
			return h.responses.Failure(ctx, err, req.CacheControl)
		}
		return h.responses.Success(req, res)
	}
}
