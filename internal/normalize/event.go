// Package normalize turns the inbound event shapes into one canonical
// request.
package normalize

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindProxy
	KindObjectLambda
	KindS3Batch
)

func (k Kind) String() string {
	switch k {
	case KindProxy:
		return "proxy"
	case KindObjectLambda:
		return "object_lambda"
	case KindS3Batch:
		return "s3_batch"
	default:
		return "unknown"
	}
}

const (
	// ObjectLambdaPathPrefix is the access point path segment in front of
	// every Object Lambda request path.
	ObjectLambdaPathPrefix = "/image"

	// SmuggledQueryPrefix marks query parameters that S3 Object Lambda would
	// otherwise reject, such as signature or expires.
	SmuggledQueryPrefix = "ol-"
)

// ImageHandlerEvent is the protocol-neutral shape every image request is
// reduced to before decoding.
type ImageHandlerEvent struct {
	Path                  string
	QueryStringParameters map[string]string
	Headers               map[string]string
}

// DetectKind sniffs the top-level keys of a raw event.
func DetectKind(raw json.RawMessage) Kind {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return KindUnknown
	}

	if _, ok := probe["getObjectContext"]; ok {
		return KindObjectLambda
	}
	if _, ok := probe["userRequest"]; ok {
		return KindObjectLambda
	}
	if records, ok := probe["Records"]; ok && isS3Records(records) {
		return KindS3Batch
	}
	if _, ok := probe["path"]; ok {
		return KindProxy
	}
	if _, ok := probe["httpMethod"]; ok {
		return KindProxy
	}
	return KindUnknown
}

func isS3Records(raw json.RawMessage) bool {
	var records []struct {
		EventSource string `json:"eventSource"`
	}
	if err := json.Unmarshal(raw, &records); err != nil || len(records) == 0 {
		return false
	}
	for _, r := range records {
		if !strings.HasSuffix(r.EventSource, ":s3") {
			return false
		}
	}
	return true
}

func FromProxy(ev events.APIGatewayProxyRequest) ImageHandlerEvent {
	return ImageHandlerEvent{
		Path:                  ev.Path,
		QueryStringParameters: ev.QueryStringParameters,
		Headers:               ev.Headers,
	}
}

// FromObjectLambda rebuilds the request from the user URL embedded in the
// event.
func FromObjectLambda(ev events.S3ObjectLambdaEvent) (ImageHandlerEvent, error) {
	u, err := url.Parse(ev.UserRequest.URL)
	if err != nil {
		return ImageHandlerEvent{}, fmt.Errorf("parse object lambda url: %w", err)
	}
	if u.Path == "" && u.RawQuery == "" && u.Host == "" {
		return ImageHandlerEvent{}, fmt.Errorf("parse object lambda url: empty url %q", ev.UserRequest.URL)
	}

	path := u.Path
	switch {
	case path == ObjectLambdaPathPrefix:
		path = "/"
	case strings.HasPrefix(path, ObjectLambdaPathPrefix+"/"):
		path = strings.TrimPrefix(path, ObjectLambdaPathPrefix)
	}

	var query map[string]string
	if values := u.Query(); len(values) > 0 {
		query = make(map[string]string, len(values))
		for name, vals := range values {
			if len(vals) > 0 && !strings.HasPrefix(name, SmuggledQueryPrefix) {
				query[name] = vals[0]
			}
		}
		// Smuggled parameters win over plain ones with the same name.
		for name, vals := range values {
			if len(vals) > 0 && strings.HasPrefix(name, SmuggledQueryPrefix) {
				query[strings.TrimPrefix(name, SmuggledQueryPrefix)] = vals[0]
			}
		}
	}

	return ImageHandlerEvent{
		Path:                  path,
		QueryStringParameters: query,
		Headers:               ev.UserRequest.Headers,
	}, nil
}
