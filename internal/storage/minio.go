package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint string
	Access   string
	Secret   string
	UseSSL   bool
}

// MinioStore serves self-hosted deployments where the buckets live on a
// MinIO (or any S3-compatible) endpoint.
type MinioStore struct {
	minio *minio.Client
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &MinioStore{minio: mc}, nil
}

func (s *MinioStore) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.minio.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := s.minio.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := s.minio.BucketExists(ctx, bucket)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}

	return nil
}

func (s *MinioStore) Get(ctx context.Context, bucket, key string) (Object, error) {
	obj, err := s.minio.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return Object{}, s.translate(err, bucket, key)
	}
	defer obj.Close()

	// GetObject is lazy; Stat surfaces a missing key before the read.
	info, err := obj.Stat()
	if err != nil {
		return Object{}, s.translate(err, bucket, key)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return Object{}, fmt.Errorf("read object %s/%s: %w", bucket, key, err)
	}

	out := objectFromInfo(info)
	out.Body = data
	return out, nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, obj Object) error {
	_, err := s.minio.PutObject(
		ctx,
		bucket,
		key,
		bytes.NewReader(obj.Body),
		int64(len(obj.Body)),
		minio.PutObjectOptions{
			ContentType:  obj.ContentType,
			CacheControl: obj.CacheControl,
			UserMetadata: obj.Metadata,
		},
	)
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *MinioStore) Head(ctx context.Context, bucket, key string) (Object, error) {
	info, err := s.minio.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return Object{}, s.translate(err, bucket, key)
	}
	return objectFromInfo(info), nil
}

func (s *MinioStore) translate(err error, bucket, key string) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject" || resp.Code == "NoSuchBucket" {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	return fmt.Errorf("stat object %s/%s: %w", bucket, key, err)
}

func objectFromInfo(info minio.ObjectInfo) Object {
	meta := make(map[string]string, len(info.UserMetadata))
	for k, v := range info.UserMetadata {
		meta[strings.ToLower(k)] = v
	}
	return Object{
		ContentType:  info.ContentType,
		CacheControl: info.Metadata.Get("Cache-Control"),
		ETag:         info.ETag,
		LastModified: info.LastModified,
		Metadata:     meta,
	}
}
