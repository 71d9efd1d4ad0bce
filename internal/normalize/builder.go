package normalize

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/dunamismax/imagehandler/internal/domain"
	"github.com/dunamismax/imagehandler/internal/imgerr"
	"github.com/dunamismax/imagehandler/internal/storage"
)

const DefaultCacheControl = "max-age=31536000,public"

type WatermarkDefaults struct {
	Enabled bool
	Text    string
}

// Builder decodes an ImageHandlerEvent and fetches the source object into
// a CanonicalRequest.
type Builder struct {
	logger    *log.Logger
	decoder   Decoder
	objects   storage.ObjectStore
	watermark WatermarkDefaults
}

func NewBuilder(logger *log.Logger, decoder Decoder, objects storage.ObjectStore, watermark WatermarkDefaults) *Builder {
	return &Builder{
		logger:    logger,
		decoder:   decoder,
		objects:   objects,
		watermark: watermark,
	}
}

func (b *Builder) Build(ctx context.Context, ev ImageHandlerEvent) (domain.CanonicalRequest, error) {
	decoded, err := b.decoder.Decode(ev)
	if err != nil {
		return domain.CanonicalRequest{}, err
	}

	obj, err := b.objects.Get(ctx, decoded.Bucket, decoded.Key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.CanonicalRequest{}, imgerr.NoSuchKey(err)
		}
		return domain.CanonicalRequest{}, imgerr.ImageProcessingError("Unable to read the source image.", err)
	}

	edits := decoded.Edits
	if b.watermark.Enabled && edits.Watermark == nil && strings.TrimSpace(b.watermark.Text) != "" {
		edits.Watermark = &domain.WatermarkEdit{Text: b.watermark.Text}
	}

	req := domain.CanonicalRequest{
		SourceBucket: decoded.Bucket,
		SourceKey:    decoded.Key,
		Edits:        edits,
		OutputFormat: decoded.OutputFormat,
		RawImage:     obj.Body,
		CacheControl: resolveCacheControl(decoded.Headers, obj.CacheControl),
		LastModified: obj.LastModified,
		ETag:         obj.ETag,
		Headers:      decoded.Headers,
	}
	// Generic types such as binary/octet-stream are left to the probe.
	if strings.HasPrefix(strings.ToLower(obj.ContentType), "image/") {
		req.DeclaredContentType = obj.ContentType
	}

	b.logger.Printf("request normalized bucket=%s key=%s output_format=%s bytes=%d", req.SourceBucket, req.SourceKey, req.OutputFormat, len(req.RawImage))
	return req, nil
}

func resolveCacheControl(headers map[string]string, objectValue string) string {
	for name, value := range headers {
		if strings.EqualFold(name, "Cache-Control") && value != "" {
			return value
		}
	}
	if objectValue != "" {
		return objectValue
	}
	return DefaultCacheControl
}
