package batch

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/imagehandler/internal/domain"
	"github.com/dunamismax/imagehandler/internal/processor"
	"github.com/dunamismax/imagehandler/internal/storage"
)

const DefaultOutputPrefix = "processed"

type Fetcher interface {
	Fetch(ctx context.Context, bucket, key string) (storage.Object, error)
}

type Emitter interface {
	Emit(ctx context.Context, sourceKey string, spec domain.BatchTransformSpec, result processor.Result) (domain.VariantResult, error)
}

type ObjectStoreFetcher struct {
	Objects storage.ObjectStore
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, bucket, key string) (storage.Object, error) {
	if f.Objects == nil {
		return storage.Object{}, errors.New("object store is required")
	}
	return f.Objects.Get(ctx, bucket, key)
}

// ObjectStoreEmitter writes variants to <prefix>/<base>_<suffix>.<ext> in
// the output bucket.
type ObjectStoreEmitter struct {
	Objects      storage.ObjectStore
	Bucket       string
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, sourceKey string, spec domain.BatchTransformSpec, result processor.Result) (domain.VariantResult, error) {
	if e.Objects == nil {
		return domain.VariantResult{}, errors.New("object store is required")
	}
	if strings.TrimSpace(e.Bucket) == "" {
		return domain.VariantResult{}, errors.New("output bucket is required")
	}

	outputKey := VariantKey(e.OutputPrefix, sourceKey, spec.Suffix, result.Format)
	if err := e.Objects.Put(ctx, e.Bucket, outputKey, storage.Object{
		Body:        result.Body,
		ContentType: result.ContentType,
		Metadata: map[string]string{
			"source-key": sourceKey,
			"variant":    spec.Suffix,
		},
	}); err != nil {
		return domain.VariantResult{}, fmt.Errorf("emit variant %s: %w", spec.Suffix, err)
	}

	return domain.VariantResult{
		Suffix:    spec.Suffix,
		Status:    domain.VariantStatusSuccess,
		OutputKey: outputKey,
		Width:     result.Width,
		Height:    result.Height,
		Size:      len(result.Body),
	}, nil
}

func VariantKey(prefix, sourceKey, suffix, format string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultOutputPrefix
	}
	base := path.Base(sourceKey)
	base = strings.TrimSuffix(base, path.Ext(base))
	return path.Join(prefix, fmt.Sprintf("%s_%s.%s", sanitizePathToken(base), sanitizePathToken(suffix), domain.ExtensionForFormat(format)))
}

func sanitizePathToken(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	value = strings.ReplaceAll(value, "/", "-")
	value = strings.ReplaceAll(value, "\\", "-")
	value = strings.ReplaceAll(value, "..", "-")
	return value
}
