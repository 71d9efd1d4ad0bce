// Package delivery builds responses and hands them back through either the
// proxy integration or the S3 Object Lambda write-back call.
package delivery

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/dunamismax/imagehandler/internal/domain"
	"github.com/dunamismax/imagehandler/internal/imgerr"
	"github.com/dunamismax/imagehandler/internal/processor"
	"github.com/dunamismax/imagehandler/internal/storage"
)

const (
	DefaultCacheControl = "max-age=31536000,public"
	ClientErrorCache    = "max-age=10,public"
	ServerErrorCache    = "max-age=600,public"
)

// Response is the protocol-neutral result. Body holds raw bytes; the direct
// finisher base64-encodes it.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte

	// Err is set on error responses, including fallback images.
	Err *imgerr.Error
}

type Options struct {
	CORSEnabled     bool
	CORSOrigin      string
	FallbackEnabled bool
	FallbackBucket  string
	FallbackKey     string
}

type Builder struct {
	logger  *log.Logger
	objects storage.ObjectStore
	opts    Options
}

func NewBuilder(logger *log.Logger, objects storage.ObjectStore, opts Options) *Builder {
	return &Builder{logger: logger, objects: objects, opts: opts}
}

func (b *Builder) Success(req domain.CanonicalRequest, res processor.Result) Response {
	headers := b.baseHeaders()
	headers["Content-Type"] = res.ContentType
	headers["Cache-Control"] = firstNonEmpty(req.CacheControl, DefaultCacheControl)
	if !req.LastModified.IsZero() {
		headers["Last-Modified"] = req.LastModified.UTC().Format(http.TimeFormat)
	}
	if req.ETag != "" {
		headers["ETag"] = req.ETag
	}
	for name, value := range req.Headers {
		headers[headerName(headers, name)] = value
	}

	return Response{
		StatusCode: http.StatusOK,
		Headers:    finalizeHeaders(headers, http.StatusOK, false),
		Body:       res.Body,
	}
}

// Failure turns an error into a response. When a fallback image is
// configured it is served with the error status; cacheControl is the value
// computed while parsing the request, if any.
func (b *Builder) Failure(ctx context.Context, err error, cacheControl string) Response {
	e := imgerr.As(err)
	if e.Status >= http.StatusInternalServerError {
		b.logger.Printf("request failed code=%s status=%d err=%v", e.Code, e.Status, err)
	} else {
		b.logger.Printf("request rejected code=%s status=%d err=%v", e.Code, e.Status, err)
	}

	if b.opts.FallbackEnabled {
		if resp, ok := b.fallback(ctx, e, cacheControl); ok {
			return resp
		}
	}
	return b.ErrorResponse(e)
}

// ErrorResponse renders the JSON error body without trying the fallback.
func (b *Builder) ErrorResponse(e *imgerr.Error) Response {
	headers := b.baseHeaders()
	headers["Content-Type"] = "application/json"

	return Response{
		StatusCode: e.Status,
		Headers:    finalizeHeaders(headers, e.Status, true),
		Body:       e.Body(),
		Err:        e,
	}
}

func (b *Builder) fallback(ctx context.Context, e *imgerr.Error, cacheControl string) (Response, bool) {
	if b.objects == nil || b.opts.FallbackBucket == "" || b.opts.FallbackKey == "" {
		return Response{}, false
	}

	obj, err := b.objects.Get(ctx, b.opts.FallbackBucket, b.opts.FallbackKey)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			b.logger.Printf("fallback image unavailable bucket=%s key=%s err=%v", b.opts.FallbackBucket, b.opts.FallbackKey, err)
		}
		return Response{}, false
	}

	headers := b.baseHeaders()
	headers["Content-Type"] = obj.ContentType
	headers["Cache-Control"] = firstNonEmpty(obj.CacheControl, cacheControl, DefaultCacheControl)
	if !obj.LastModified.IsZero() {
		headers["Last-Modified"] = obj.LastModified.UTC().Format(http.TimeFormat)
	}

	return Response{
		StatusCode: e.Status,
		Headers:    finalizeHeaders(headers, e.Status, false),
		Body:       obj.Body,
		Err:        e,
	}, true
}

func (b *Builder) baseHeaders() map[string]string {
	headers := map[string]string{}
	if b.opts.CORSEnabled {
		headers["Access-Control-Allow-Methods"] = "GET"
		headers["Access-Control-Allow-Headers"] = "Content-Type, Authorization"
		headers["Access-Control-Allow-Origin"] = b.opts.CORSOrigin
	}
	return headers
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
