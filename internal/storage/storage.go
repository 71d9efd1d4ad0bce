package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by every ObjectStore when the bucket/key pair does
// not exist.
var ErrNotFound = errors.New("object not found")

type Object struct {
	Body         []byte
	ContentType  string
	CacheControl string
	ETag         string
	LastModified time.Time
	Metadata     map[string]string
}

// ObjectStore is the get/put/head surface the image handler needs from any
// object storage backend. Head returns an Object with a nil Body.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) (Object, error)
	Put(ctx context.Context, bucket, key string, obj Object) error
	Head(ctx context.Context, bucket, key string) (Object, error)
}

// WriteBackRequest carries one S3 Object Lambda response.
type WriteBackRequest struct {
	Route        string
	Token        string
	StatusCode   int
	Body         []byte
	ContentType  string
	CacheControl string
	Metadata     map[string]string
	ErrorCode    string
	ErrorMessage string
}

type ResponseWriter interface {
	WriteGetObjectResponse(ctx context.Context, req WriteBackRequest) error
}
