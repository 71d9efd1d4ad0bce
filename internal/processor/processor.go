// Package processor turns a canonical request into final image bytes,
// consulting the artifact cache first.
package processor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/dunamismax/imagehandler/internal/domain"
	"github.com/dunamismax/imagehandler/internal/imgerr"
	"github.com/dunamismax/imagehandler/internal/pipeline"
)

type Pipeline interface {
	Probe(data []byte) (pipeline.Metadata, error)
	Run(ctx context.Context, src []byte, edits domain.Edits, sourceFormat, targetFormat string) (pipeline.Output, error)
}

type ArtifactCache interface {
	Lookup(ctx context.Context, fp domain.Fingerprint) (*domain.ProcessedArtifact, error)
	RecordAccess(ctx context.Context, fp domain.Fingerprint) error
	Save(ctx context.Context, artifact domain.ProcessedArtifact) error
	RecordFailure(ctx context.Context, failure domain.ProcessingFailure) error
}

type Result struct {
	Body        []byte
	ContentType string
	Format      string
	Width       int
	Height      int
	Cached      bool
}

type Orchestrator struct {
	logger   *log.Logger
	pipeline Pipeline
	cache    ArtifactCache
	flight   singleflight.Group
	metrics  *metrics
	tracer   trace.Tracer
}

// New builds an orchestrator. A nil cache disables caching entirely.
func New(logger *log.Logger, p Pipeline, cache ArtifactCache) *Orchestrator {
	return &Orchestrator{
		logger:   logger,
		pipeline: p,
		cache:    cache,
		metrics:  newMetrics(),
		tracer:   otel.Tracer("imagehandler/processor"),
	}
}

func (o *Orchestrator) Gatherer() prometheus.Gatherer {
	return o.metrics.registry
}

// Process resolves a request to bytes. The cache check always precedes the
// pipeline and the cache write always follows formatting. Concurrent
// requests with the same fingerprint in this process share one build; the
// build is detached from any single caller's cancellation, and each caller
// stops waiting when its own context ends.
func (o *Orchestrator) Process(ctx context.Context, req domain.CanonicalRequest) (Result, error) {
	fp := req.Fingerprint()
	ctx, span := o.tracer.Start(ctx, "processor.process")
	span.SetAttributes(
		attribute.String("image.fingerprint", string(fp)),
		attribute.String("image.bucket", req.SourceBucket),
		attribute.String("image.key", req.SourceKey),
	)
	defer span.End()

	if hit, ok := o.lookup(ctx, fp); ok {
		span.SetAttributes(attribute.Bool("image.cache_hit", true))
		o.metrics.requestsTotal.WithLabelValues("cache_hit").Inc()
		return hit, nil
	}

	buildCtx := context.WithoutCancel(ctx)
	ch := o.flight.DoChan(string(fp), func() (any, error) {
		return o.build(buildCtx, req, fp)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		err := ctx.Err()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.requestsTotal.WithLabelValues("abandoned").Inc()
		return Result{}, err
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		o.metrics.requestsTotal.WithLabelValues("error").Inc()
		return Result{}, res.Err
	}
	if res.Shared {
		o.logger.Printf("coalesced build fingerprint=%s", fp)
	}

	o.metrics.requestsTotal.WithLabelValues("built").Inc()
	return res.Val.(Result), nil
}

func (o *Orchestrator) lookup(ctx context.Context, fp domain.Fingerprint) (Result, bool) {
	if o.cache == nil {
		return Result{}, false
	}

	artifact, err := o.cache.Lookup(ctx, fp)
	if err != nil {
		o.metrics.cacheTotal.WithLabelValues("error").Inc()
		o.logger.Printf("cache check failed fingerprint=%s err=%v", fp, err)
		return Result{}, false
	}
	if artifact == nil {
		o.metrics.cacheTotal.WithLabelValues("miss").Inc()
		return Result{}, false
	}

	o.metrics.cacheTotal.WithLabelValues("hit").Inc()
	if err := o.cache.RecordAccess(ctx, fp); err != nil {
		o.logger.Printf("access stats update failed fingerprint=%s err=%v", fp, err)
	}

	return Result{
		Body:        artifact.Bytes,
		ContentType: artifact.ContentType,
		Format:      artifact.Format,
		Width:       artifact.Width,
		Height:      artifact.Height,
		Cached:      true,
	}, true
}

func (o *Orchestrator) build(ctx context.Context, req domain.CanonicalRequest, fp domain.Fingerprint) (Result, error) {
	start := time.Now()
	result, err := o.transform(ctx, req)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	o.metrics.processingDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	if err != nil {
		o.recordFailure(ctx, req, fp, err)
		return Result{}, err
	}
	o.metrics.outputBytesTotal.Add(float64(len(result.Body)))

	if o.cache != nil {
		if err := o.cache.Save(ctx, domain.ProcessedArtifact{
			Fingerprint:  fp,
			Bytes:        result.Body,
			ContentType:  result.ContentType,
			Format:       result.Format,
			Width:        result.Width,
			Height:       result.Height,
			SizeBytes:    len(result.Body),
			SourceBucket: req.SourceBucket,
			SourceKey:    req.SourceKey,
		}); err != nil {
			o.metrics.cacheTotal.WithLabelValues("store_error").Inc()
			o.logger.Printf("artifact store failed fingerprint=%s err=%v", fp, err)
		} else {
			o.metrics.cacheTotal.WithLabelValues("stored").Inc()
		}
	}

	o.logger.Printf(
		"artifact built fingerprint=%s format=%s width=%d height=%d bytes=%d duration_ms=%d",
		fp, result.Format, result.Width, result.Height, len(result.Body), time.Since(start).Milliseconds(),
	)
	return result, nil
}

// recordFailure marks the artifact's metadata as failed. Best-effort: the
// caller still receives the original error.
func (o *Orchestrator) recordFailure(ctx context.Context, req domain.CanonicalRequest, fp domain.Fingerprint, cause error) {
	if o.cache == nil {
		return
	}
	code := imgerr.As(cause).Code
	if err := o.cache.RecordFailure(ctx, domain.ProcessingFailure{
		Fingerprint:  fp,
		SourceBucket: req.SourceBucket,
		SourceKey:    req.SourceKey,
		Code:         code,
	}); err != nil {
		o.metrics.cacheTotal.WithLabelValues("store_error").Inc()
		o.logger.Printf("failure record failed fingerprint=%s code=%s err=%v", fp, code, err)
	}
}

func (o *Orchestrator) transform(ctx context.Context, req domain.CanonicalRequest) (Result, error) {
	sourceFormat, meta, err := o.sourceFormat(req)
	if err != nil {
		return Result{}, err
	}

	target := ""
	if req.OutputFormat != "" {
		if domain.IsSupportedFormat(req.OutputFormat) {
			target = req.OutputFormat
		} else {
			o.logger.Printf("ignoring unsupported output format format=%s key=%s", req.OutputFormat, req.SourceKey)
		}
	}

	if req.Edits.IsEmpty() && (target == "" || target == sourceFormat) {
		if len(req.RawImage) == 0 {
			return Result{}, imgerr.ImageProcessingError("No image was produced.", nil)
		}
		if meta == nil {
			probed, err := o.pipeline.Probe(req.RawImage)
			if err == nil {
				meta = &probed
			}
		}
		result := Result{
			Body:        req.RawImage,
			ContentType: domain.ContentTypeForFormat(sourceFormat),
			Format:      sourceFormat,
		}
		if meta != nil {
			result.Width, result.Height = meta.Width, meta.Height
		}
		return result, nil
	}

	out, err := o.pipeline.Run(ctx, req.RawImage, req.Edits, sourceFormat, target)
	if err != nil {
		return Result{}, err
	}
	if len(out.Data) == 0 {
		return Result{}, imgerr.ImageProcessingError("No image was produced.", nil)
	}

	return Result{
		Body:        out.Data,
		ContentType: out.ContentType,
		Format:      out.Format,
		Width:       out.Width,
		Height:      out.Height,
	}, nil
}

// sourceFormat trusts an explicit image content type and probes otherwise.
func (o *Orchestrator) sourceFormat(req domain.CanonicalRequest) (string, *pipeline.Metadata, error) {
	if req.DeclaredContentType != "" {
		format := domain.FormatForContentType(req.DeclaredContentType)
		if format == "" {
			return "", nil, imgerr.ImageFormatNotSupported(fmt.Sprintf("The image format %s is not supported.", req.DeclaredContentType))
		}
		return format, nil, nil
	}

	meta, err := o.pipeline.Probe(req.RawImage)
	if err != nil {
		return "", nil, err
	}
	if !domain.IsSupportedFormat(meta.Format) {
		kind := meta.ContentType
		if kind == "" {
			kind = "unknown"
		}
		return "", nil, imgerr.ImageFormatNotSupported(fmt.Sprintf("The image format %s is not supported.", kind))
	}
	return meta.Format, &meta, nil
}
