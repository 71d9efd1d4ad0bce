// Package batch produces the configured variants for every uploaded image.
package batch

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/imagehandler/internal/domain"
	"github.com/dunamismax/imagehandler/internal/processor"
	"github.com/dunamismax/imagehandler/internal/store"
)

// VariantFormat is the encoding used for every batch variant.
const VariantFormat = domain.FormatJPEG

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".tif":  true,
	".tiff": true,
	".gif":  true,
	".avif": true,
}

type Processor interface {
	Process(ctx context.Context, req domain.CanonicalRequest) (processor.Result, error)
}

type Config struct {
	UploadPrefix  string
	Transforms    []domain.BatchTransformSpec
	WatermarkText string
}

type Controller struct {
	logger    *log.Logger
	fetcher   Fetcher
	emitter   Emitter
	processor Processor
	meta      store.MetadataStore
	cfg       Config
	tracer    trace.Tracer
	registry  *prometheus.Registry
	variants  *prometheus.CounterVec
	now       func() time.Time
}

func NewController(logger *log.Logger, fetcher Fetcher, emitter Emitter, p Processor, meta store.MetadataStore, cfg Config) *Controller {
	if len(cfg.Transforms) == 0 {
		cfg.Transforms = domain.DefaultBatchTransforms()
	}

	registry := prometheus.NewRegistry()
	variants := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imagehandler_batch_variants_total",
		Help: "Batch variants by final status.",
	}, []string{"status"})
	registry.MustRegister(variants)

	return &Controller{
		logger:    logger,
		fetcher:   fetcher,
		emitter:   emitter,
		processor: p,
		meta:      meta,
		cfg:       cfg,
		tracer:    otel.Tracer("imagehandler/batch"),
		registry:  registry,
		variants:  variants,
		now:       time.Now,
	}
}

func (c *Controller) Gatherer() prometheus.Gatherer {
	return c.registry
}

// HandleEvent processes every record of an S3 notification. It never fails:
// each record's outcome is logged and stored on its own.
func (c *Controller) HandleEvent(ctx context.Context, ev events.S3Event) []domain.BatchRecord {
	var out []domain.BatchRecord
	for i, record := range ev.Records {
		bucket := record.S3.Bucket.Name
		key := decodeKey(record.S3.Object.Key)

		rec, processed := c.ProcessObject(ctx, bucket, key)
		if !processed {
			continue
		}
		c.logger.Printf(
			"batch record done index=%d bucket=%s key=%s status=%s succeeded=%d total=%d",
			i, bucket, key, rec.Status, rec.Succeeded(), len(rec.Variants),
		)
		out = append(out, rec)
	}
	return out
}

// ProcessObject builds every variant for one object. The bool is false when
// the object was skipped.
func (c *Controller) ProcessObject(ctx context.Context, bucket, key string) (domain.BatchRecord, bool) {
	if reason := c.skipReason(key); reason != "" {
		c.logger.Printf("batch skip bucket=%s key=%s reason=%s", bucket, key, reason)
		return domain.BatchRecord{}, false
	}

	ctx, span := c.tracer.Start(ctx, "batch.record")
	span.SetAttributes(attribute.String("image.bucket", bucket), attribute.String("image.key", key))
	defer span.End()

	now := c.now().UTC()
	rec := domain.BatchRecord{
		ImageID:    domain.BatchIDFor(bucket, key),
		BucketName: bucket,
		Key:        key,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	obj, err := c.fetcher.Fetch(ctx, bucket, key)
	if err != nil {
		c.logger.Printf("batch fetch failed bucket=%s key=%s err=%v", bucket, key, err)
		rec.Status = domain.BatchStatusFailed
		rec.ErrorMessage = err.Error()
		c.save(ctx, rec)
		return rec, true
	}
	rec.SourceSize = len(obj.Body)
	rec.ContentType = obj.ContentType

	declared := ""
	if strings.HasPrefix(strings.ToLower(obj.ContentType), "image/") {
		declared = obj.ContentType
	}

	for _, spec := range c.cfg.Transforms {
		result := c.variant(ctx, bucket, key, obj.Body, declared, spec)
		c.variants.WithLabelValues(result.Status).Inc()
		rec.Variants = append(rec.Variants, result)
	}

	switch succeeded := rec.Succeeded(); {
	case succeeded == len(rec.Variants):
		rec.Status = domain.BatchStatusCompleted
	case succeeded == 0:
		rec.Status = domain.BatchStatusFailed
	default:
		rec.Status = domain.BatchStatusPartial
	}
	span.SetAttributes(attribute.String("batch.status", rec.Status))
	rec.UpdatedAt = c.now().UTC()

	c.save(ctx, rec)
	return rec, true
}

// variant runs one transform. Errors and panics become an error result so
// the remaining variants still run.
func (c *Controller) variant(ctx context.Context, bucket, key string, body []byte, declared string, spec domain.BatchTransformSpec) (result domain.VariantResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("batch variant panic key=%s suffix=%s panic=%v", key, spec.Suffix, r)
			result = domain.VariantResult{
				Suffix:       spec.Suffix,
				Status:       domain.VariantStatusError,
				ErrorMessage: fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	req := domain.CanonicalRequest{
		SourceBucket:        bucket,
		SourceKey:           key,
		Edits:               c.editsFor(spec),
		OutputFormat:        VariantFormat,
		RawImage:            body,
		DeclaredContentType: declared,
	}

	out, err := c.processor.Process(ctx, req)
	if err == nil {
		result, err = c.emitter.Emit(ctx, key, spec, out)
	}
	if err != nil {
		c.logger.Printf("batch variant failed key=%s suffix=%s err=%v", key, spec.Suffix, err)
		return domain.VariantResult{
			Suffix:       spec.Suffix,
			Status:       domain.VariantStatusError,
			ErrorMessage: err.Error(),
		}
	}
	return result
}

func (c *Controller) editsFor(spec domain.BatchTransformSpec) domain.Edits {
	edits := domain.Edits{
		Resize: &domain.ResizeEdit{
			Width:  spec.Width,
			Height: spec.Height,
			Fit:    spec.Fit,
		},
		Format: &domain.FormatOptions{
			Format:  VariantFormat,
			Quality: spec.Quality,
		},
	}
	if spec.Watermark && strings.TrimSpace(c.cfg.WatermarkText) != "" {
		edits.Watermark = &domain.WatermarkEdit{Text: c.cfg.WatermarkText}
	}
	return edits
}

// save stores the batch document, falling back to a minimal error record.
func (c *Controller) save(ctx context.Context, rec domain.BatchRecord) {
	if c.meta == nil {
		return
	}
	err := c.meta.PutBatch(ctx, rec)
	if err == nil {
		return
	}
	c.logger.Printf("batch metadata store failed id=%s err=%v", rec.ImageID, err)

	minimal := domain.BatchRecord{
		ImageID:      rec.ImageID,
		BucketName:   rec.BucketName,
		Key:          rec.Key,
		Status:       domain.BatchStatusFailed,
		ErrorMessage: err.Error(),
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    c.now().UTC(),
	}
	if err := c.meta.PutBatch(ctx, minimal); err != nil {
		c.logger.Printf("batch error record store failed id=%s err=%v", rec.ImageID, err)
	}
}

func (c *Controller) skipReason(key string) string {
	if !imageExtensions[strings.ToLower(path.Ext(key))] {
		return "not_an_image"
	}
	if c.cfg.UploadPrefix != "" && !strings.HasPrefix(key, c.cfg.UploadPrefix) {
		return "outside_upload_prefix"
	}
	return ""
}

// decodeKey undoes the form encoding S3 applies to notification keys.
func decodeKey(key string) string {
	decoded, err := url.QueryUnescape(key)
	if err != nil {
		return key
	}
	return decoded
}
