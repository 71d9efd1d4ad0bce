package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/imagehandler/internal/domain"
	"github.com/dunamismax/imagehandler/internal/storage"
	"github.com/dunamismax/imagehandler/internal/store"
)

const DefaultPrefix = "cache/"

const (
	metaFingerprint  = "fingerprint"
	metaFormat       = "format"
	metaWidth        = "width"
	metaHeight       = "height"
	metaSourceBucket = "source-bucket"
	metaSourceKey    = "source-key"
)

// Store is the artifact cache: processed bytes live in the output bucket
// under prefix+fingerprint, and a MetadataRecord per artifact lives in the
// metadata store.
type Store struct {
	objects storage.ObjectStore
	meta    store.MetadataStore
	bucket  string
	prefix  string
	now     func() time.Time
}

func New(objects storage.ObjectStore, meta store.MetadataStore, bucket, prefix string) (*Store, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("cache bucket is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		objects: objects,
		meta:    meta,
		bucket:  bucket,
		prefix:  prefix,
		now:     time.Now,
	}, nil
}

func (s *Store) Key(fp domain.Fingerprint) string {
	return s.prefix + string(fp)
}

// Lookup returns the cached artifact, or nil when the fingerprint has never
// been stored.
func (s *Store) Lookup(ctx context.Context, fp domain.Fingerprint) (*domain.ProcessedArtifact, error) {
	obj, err := s.objects.Get(ctx, s.bucket, s.Key(fp))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup artifact %s: %w", fp, err)
	}

	width, _ := strconv.Atoi(obj.Metadata[metaWidth])
	height, _ := strconv.Atoi(obj.Metadata[metaHeight])
	format := obj.Metadata[metaFormat]
	if format == "" {
		format = domain.FormatForContentType(obj.ContentType)
	}

	return &domain.ProcessedArtifact{
		Fingerprint:  fp,
		Bytes:        obj.Body,
		ContentType:  obj.ContentType,
		Format:       format,
		Width:        width,
		Height:       height,
		SizeBytes:    len(obj.Body),
		SourceBucket: obj.Metadata[metaSourceBucket],
		SourceKey:    obj.Metadata[metaSourceKey],
	}, nil
}

func (s *Store) RecordAccess(ctx context.Context, fp domain.Fingerprint) error {
	if s.meta == nil {
		return nil
	}
	if err := s.meta.RecordAccess(ctx, domain.ImageIDForFingerprint(fp), s.now().UTC()); err != nil {
		return fmt.Errorf("record access %s: %w", fp, err)
	}
	return nil
}

// Save writes the artifact first and its metadata second. A metadata
// failure leaves a usable cached object behind.
func (s *Store) Save(ctx context.Context, artifact domain.ProcessedArtifact) error {
	if err := s.objects.Put(ctx, s.bucket, s.Key(artifact.Fingerprint), storage.Object{
		Body:        artifact.Bytes,
		ContentType: artifact.ContentType,
		Metadata: map[string]string{
			metaFingerprint:  string(artifact.Fingerprint),
			metaFormat:       artifact.Format,
			metaWidth:        strconv.Itoa(artifact.Width),
			metaHeight:       strconv.Itoa(artifact.Height),
			metaSourceBucket: artifact.SourceBucket,
			metaSourceKey:    artifact.SourceKey,
		},
	}); err != nil {
		return fmt.Errorf("store artifact %s: %w", artifact.Fingerprint, err)
	}

	if s.meta == nil {
		return nil
	}

	now := s.now().UTC()
	if err := s.meta.Put(ctx, domain.MetadataRecord{
		ImageID:          domain.ImageIDForFingerprint(artifact.Fingerprint),
		BucketName:       artifact.SourceBucket,
		Key:              artifact.SourceKey,
		Format:           artifact.Format,
		Width:            artifact.Width,
		Height:           artifact.Height,
		Size:             artifact.SizeBytes,
		ContentType:      artifact.ContentType,
		ProcessingStatus: domain.ProcessingStatusProcessed,
		CreatedAt:        now,
		UpdatedAt:        now,
	}); err != nil {
		return fmt.Errorf("store artifact metadata %s: %w", artifact.Fingerprint, err)
	}
	return nil
}

// RecordFailure marks the fingerprint's metadata as failed. No object is
// written, so the next request retries the build.
func (s *Store) RecordFailure(ctx context.Context, failure domain.ProcessingFailure) error {
	if s.meta == nil {
		return nil
	}

	now := s.now().UTC()
	if err := s.meta.Put(ctx, domain.MetadataRecord{
		ImageID:          domain.ImageIDForFingerprint(failure.Fingerprint),
		BucketName:       failure.SourceBucket,
		Key:              failure.SourceKey,
		ProcessingStatus: domain.ProcessingStatusFailed,
		ProcessingError:  failure.Code,
		CreatedAt:        now,
		UpdatedAt:        now,
	}); err != nil {
		return fmt.Errorf("record failure %s: %w", failure.Fingerprint, err)
	}
	return nil
}
