package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client used here, so tests can substitute a
// fake.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	WriteGetObjectResponse(ctx context.Context, in *s3.WriteGetObjectResponseInput, optFns ...func(*s3.Options)) (*s3.WriteGetObjectResponseOutput, error)
}

// S3Store is the production ObjectStore and the S3 Object Lambda
// ResponseWriter.
type S3Store struct {
	client S3API
}

func NewS3Store(client S3API) *S3Store {
	return &S3Store{client: client}
}

func (s *S3Store) Get(ctx context.Context, bucket, key string) (Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Object{}, translateS3Error(err, "get", bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Object{}, fmt.Errorf("read object %s/%s: %w", bucket, key, err)
	}

	return Object{
		Body:         data,
		ContentType:  aws.ToString(out.ContentType),
		CacheControl: aws.ToString(out.CacheControl),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     out.Metadata,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, bucket, key string, obj Object) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(obj.Body),
		ContentLength: aws.Int64(int64(len(obj.Body))),
		Metadata:      obj.Metadata,
	}
	if obj.ContentType != "" {
		in.ContentType = aws.String(obj.ContentType)
	}
	if obj.CacheControl != "" {
		in.CacheControl = aws.String(obj.CacheControl)
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		return translateS3Error(err, "put", bucket, key)
	}
	return nil
}

func (s *S3Store) Head(ctx context.Context, bucket, key string) (Object, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Object{}, translateS3Error(err, "head", bucket, key)
	}

	return Object{
		ContentType:  aws.ToString(out.ContentType),
		CacheControl: aws.ToString(out.CacheControl),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     out.Metadata,
	}, nil
}

func (s *S3Store) WriteGetObjectResponse(ctx context.Context, req WriteBackRequest) error {
	in := &s3.WriteGetObjectResponseInput{
		RequestRoute: aws.String(req.Route),
		RequestToken: aws.String(req.Token),
		StatusCode:   aws.Int32(int32(req.StatusCode)),
		Body:         bytes.NewReader(req.Body),
		Metadata:     req.Metadata,
	}
	if len(req.Body) > 0 {
		in.ContentLength = aws.Int64(int64(len(req.Body)))
	}
	if req.ContentType != "" {
		in.ContentType = aws.String(req.ContentType)
	}
	if req.CacheControl != "" {
		in.CacheControl = aws.String(req.CacheControl)
	}
	if req.ErrorCode != "" {
		in.ErrorCode = aws.String(req.ErrorCode)
		in.ErrorMessage = aws.String(req.ErrorMessage)
	}

	if _, err := s.client.WriteGetObjectResponse(ctx, in); err != nil {
		return fmt.Errorf("write get object response status=%d: %w", req.StatusCode, err)
	}
	return nil
}

func translateS3Error(err error, op, bucket, key string) error {
	if isErrorType[*s3types.NoSuchKey](err) || isErrorType[*s3types.NotFound](err) {
		return fmt.Errorf("%s %s/%s: %w", op, bucket, key, ErrNotFound)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%s %s/%s: %w", op, bucket, key, ErrNotFound)
		}
	}
	return fmt.Errorf("%s object %s/%s: %w", op, bucket, key, err)
}

func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
