package normalize

import (
	"context"
	"encoding/base64"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/imagehandler/internal/domain"
	"github.com/dunamismax/imagehandler/internal/imgerr"
	"github.com/dunamismax/imagehandler/internal/storage"
)

func TestDetectKind(t *testing.T) {
	cases := map[string]Kind{
		`{"path":"/abc","httpMethod":"GET"}`:                                  KindProxy,
		`{"getObjectContext":{"outputRoute":"r"},"userRequest":{"url":"x"}}`:  KindObjectLambda,
		`{"userRequest":{"url":"https://a/image/x"}}`:                         KindObjectLambda,
		`{"Records":[{"eventSource":"aws:s3","s3":{"bucket":{"name":"b"}}}]}`: KindS3Batch,
		`{"Records":[{"eventSource":"aws:sqs"}]}`:                             KindUnknown,
		`{"hello":"world"}`: KindUnknown,
		`not json`:          KindUnknown,
	}
	for raw, want := range cases {
		require.Equal(t, want, DetectKind([]byte(raw)), raw)
	}
}

func TestFromObjectLambdaStripsPrefixes(t *testing.T) {
	ev := events.S3ObjectLambdaEvent{
		UserRequest: events.S3ObjectLambdaUserRequest{
			URL:     "https://ap.s3-object-lambda.us-east-1.amazonaws.com/image/eyJrZXkiOiJhIn0=?ol-signature=abc&width=10&ol-expires=99",
			Headers: map[string]string{"Accept": "image/webp"},
		},
	}

	got, err := FromObjectLambda(ev)
	require.NoError(t, err)
	require.Equal(t, "/eyJrZXkiOiJhIn0=", got.Path)
	require.Equal(t, map[string]string{"signature": "abc", "width": "10", "expires": "99"}, got.QueryStringParameters)
	require.Equal(t, "image/webp", got.Headers["Accept"])
}

func TestFromObjectLambdaRejectsBadURL(t *testing.T) {
	_, err := FromObjectLambda(events.S3ObjectLambdaEvent{
		UserRequest: events.S3ObjectLambdaUserRequest{URL: "http://[::1"},
	})
	require.Error(t, err)

	_, err = FromObjectLambda(events.S3ObjectLambdaEvent{})
	require.Error(t, err)
}

func TestFromProxy(t *testing.T) {
	got := FromProxy(events.APIGatewayProxyRequest{
		Path:                  "/abc",
		QueryStringParameters: map[string]string{"a": "b"},
		Headers:               map[string]string{"Host": "x"},
	})
	require.Equal(t, "/abc", got.Path)
	require.Equal(t, "b", got.QueryStringParameters["a"])
	require.Equal(t, "x", got.Headers["Host"])
}

func TestDefaultDecoder(t *testing.T) {
	d := DefaultDecoder{SourceBuckets: []string{"primary", "secondary"}}

	got, err := d.Decode(ImageHandlerEvent{Path: encodePath(t, `{"key":"cat.jpg","edits":{"grayscale":true,"toFormat":"jpg"}}`)})
	require.NoError(t, err)
	require.Equal(t, "primary", got.Bucket)
	require.Equal(t, "cat.jpg", got.Key)
	require.True(t, got.Edits.Grayscale)
	require.Equal(t, domain.FormatJPEG, got.OutputFormat)

	got, err = d.Decode(ImageHandlerEvent{Path: encodePath(t, `{"bucket":"secondary","key":"a.png","outputFormat":"webp","edits":{"toFormat":"png"}}`)})
	require.NoError(t, err)
	require.Equal(t, "secondary", got.Bucket)
	require.Equal(t, domain.FormatWebP, got.OutputFormat)
}

func TestDefaultDecoderErrors(t *testing.T) {
	d := DefaultDecoder{SourceBuckets: []string{"primary"}}

	cases := []struct {
		path string
		code string
	}{
		{"/", imgerr.CodeRequestTypeError},
		{"/%%%not-base64", imgerr.CodeRequestTypeError},
		{encodePath(t, `not json`), imgerr.CodeRequestTypeError},
		{encodePath(t, `{"bucket":"primary"}`), imgerr.CodeRequestTypeError},
		{encodePath(t, `{"bucket":"elsewhere","key":"a"}`), imgerr.CodeCannotAccessBucket},
		{encodePath(t, `{"key":"a","edits":{"explode":true}}`), imgerr.CodeInvalidEdits},
	}
	for _, tc := range cases {
		_, err := d.Decode(ImageHandlerEvent{Path: tc.path})
		require.True(t, imgerr.Is(err, tc.code), "path %s: got %v", tc.path, err)
	}

	_, err := DefaultDecoder{}.Decode(ImageHandlerEvent{Path: encodePath(t, `{"key":"a"}`)})
	require.True(t, imgerr.Is(err, imgerr.CodeConfigurationError))
}

func TestBuilderBuild(t *testing.T) {
	objects := storage.NewMemoryStore()
	require.NoError(t, objects.Put(context.Background(), "src", "a.png", storage.Object{
		Body:        []byte("png-bytes"),
		ContentType: "image/png",
	}))
	require.NoError(t, objects.Put(context.Background(), "src", "blob", storage.Object{
		Body:         []byte("data"),
		ContentType:  "binary/octet-stream",
		CacheControl: "max-age=5",
	}))

	b := NewBuilder(discardLogger(), DefaultDecoder{SourceBuckets: []string{"src"}}, objects, WatermarkDefaults{Enabled: true, Text: "(c) shop"})

	req, err := b.Build(context.Background(), ImageHandlerEvent{Path: encodePath(t, `{"key":"a.png","headers":{"cache-control":"no-store"}}`)})
	require.NoError(t, err)
	require.Equal(t, []byte("png-bytes"), req.RawImage)
	require.Equal(t, "image/png", req.DeclaredContentType)
	require.Equal(t, "no-store", req.CacheControl)
	require.NotNil(t, req.Edits.Watermark)
	require.Equal(t, "(c) shop", req.Edits.Watermark.Text)
	require.NotEmpty(t, req.ETag)
	require.WithinDuration(t, time.Now(), req.LastModified, time.Minute)

	req, err = b.Build(context.Background(), ImageHandlerEvent{Path: encodePath(t, `{"key":"blob","edits":{"watermark":"mine"}}`)})
	require.NoError(t, err)
	require.Empty(t, req.DeclaredContentType)
	require.Equal(t, "max-age=5", req.CacheControl)
	require.Equal(t, "mine", req.Edits.Watermark.Text)
}

func TestBuilderMissingObject(t *testing.T) {
	b := NewBuilder(discardLogger(), DefaultDecoder{SourceBuckets: []string{"src"}}, storage.NewMemoryStore(), WatermarkDefaults{})

	_, err := b.Build(context.Background(), ImageHandlerEvent{Path: encodePath(t, `{"key":"missing.png"}`)})
	require.True(t, imgerr.Is(err, imgerr.CodeNoSuchKey))
	require.Equal(t, http.StatusNotFound, imgerr.As(err).Status)
}

func TestResolveCacheControlDefault(t *testing.T) {
	require.Equal(t, DefaultCacheControl, resolveCacheControl(nil, ""))
}

func encodePath(t *testing.T, payload string) string {
	t.Helper()
	return "/" + base64.StdEncoding.EncodeToString([]byte(payload))
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
