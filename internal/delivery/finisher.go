package delivery

import (
	"context"
	"encoding/base64"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/dunamismax/imagehandler/internal/imgerr"
	"github.com/dunamismax/imagehandler/internal/storage"
)

// MaxDirectPayload is the largest base64 body the proxy integration
// accepts.
const MaxDirectPayload = 6 * 1024 * 1024

// DefaultTimeoutMargin is how long before the invocation deadline the
// write-back race gives up on processing.
const DefaultTimeoutMargin = 250 * time.Millisecond

// Producer computes the response for one invocation. It must honor ctx.
type Producer func(ctx context.Context) Response

// Finisher delivers the response over one protocol. The returned value is
// what the invocation returns to its caller.
type Finisher interface {
	Finish(ctx context.Context, produce Producer) (any, error)
}

// Direct returns the body inline, base64-encoded.
type Direct struct {
	Builder    *Builder
	MaxPayload int
}

func (d Direct) Finish(ctx context.Context, produce Producer) (any, error) {
	return d.Proxy(produce(ctx)), nil
}

func (d Direct) Proxy(resp Response) events.APIGatewayProxyResponse {
	limit := d.MaxPayload
	if limit <= 0 {
		limit = MaxDirectPayload
	}

	encoded := base64.StdEncoding.EncodeToString(resp.Body)
	if len(encoded) > limit {
		resp = d.Builder.ErrorResponse(imgerr.TooLargeImage())
		encoded = base64.StdEncoding.EncodeToString(resp.Body)
	}

	return events.APIGatewayProxyResponse{
		StatusCode:      resp.StatusCode,
		Headers:         resp.Headers,
		Body:            encoded,
		IsBase64Encoded: true,
	}
}

// WriteBack answers an S3 Object Lambda GetObject call. Processing races a
// timer set Margin before the invocation deadline so the write-back call
// always happens.
type WriteBack struct {
	Builder *Builder
	Writer  storage.ResponseWriter
	Logger  *log.Logger
	Route   string
	Token   string
	Margin  time.Duration
}

type WriteBackResult struct {
	StatusCode int `json:"statusCode"`
}

func (w WriteBack) Finish(ctx context.Context, produce Producer) (any, error) {
	resp := w.race(ctx, produce)

	if err := w.Writer.WriteGetObjectResponse(ctx, w.request(resp)); err != nil {
		w.Logger.Printf("write-back failed status=%d err=%v", resp.StatusCode, err)
		resp = w.Builder.ErrorResponse(imgerr.S3ObjectLambdaWriteError(err))
		if err := w.Writer.WriteGetObjectResponse(ctx, w.request(resp)); err != nil {
			w.Logger.Printf("write-back error report failed err=%v", err)
		}
	}

	return WriteBackResult{StatusCode: resp.StatusCode}, nil
}

func (w WriteBack) race(ctx context.Context, produce Producer) Response {
	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan Response, 1)
	go func() {
		done <- produce(procCtx)
	}()

	deadline, ok := ctx.Deadline()
	if !ok {
		return <-done
	}

	margin := w.Margin
	if margin <= 0 {
		margin = DefaultTimeoutMargin
	}
	timer := time.NewTimer(time.Until(deadline) - margin)
	defer timer.Stop()

	select {
	case resp := <-done:
		return resp
	case <-timer.C:
		cancel()
		w.Logger.Printf("processing preempted by invocation deadline margin_ms=%d", margin.Milliseconds())
		return w.Builder.ErrorResponse(imgerr.Timeout())
	}
}

func (w WriteBack) request(resp Response) storage.WriteBackRequest {
	req := storage.WriteBackRequest{
		Route:      w.Route,
		Token:      w.Token,
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		Metadata:   map[string]string{},
	}
	for name, value := range resp.Headers {
		switch strings.ToLower(name) {
		case "content-type":
			req.ContentType = value
		case "cache-control":
			req.CacheControl = value
		default:
			req.Metadata[name] = value
		}
	}
	if resp.Err != nil {
		req.ErrorCode = resp.Err.Code
		req.ErrorMessage = resp.Err.Message
	}
	return req
}

// HeadOnly answers an Object Lambda request that carries no GetObject
// context: status and headers only.
type HeadOnly struct{}

type HeadResult struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
}

func (HeadOnly) Finish(ctx context.Context, produce Producer) (any, error) {
	resp := produce(ctx)

	headers := make(map[string]string, len(resp.Headers)+1)
	for name, value := range resp.Headers {
		headers[name] = value
	}
	headers["Content-Length"] = strconv.Itoa(len(resp.Body))

	return HeadResult{StatusCode: resp.StatusCode, Headers: headers}, nil
}
