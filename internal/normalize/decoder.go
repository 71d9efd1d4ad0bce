package normalize

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/dunamismax/imagehandler/internal/domain"
	"github.com/dunamismax/imagehandler/internal/imgerr"
)

// DecodedRequest is what a Decoder extracts from the request path and query.
type DecodedRequest struct {
	Bucket       string
	Key          string
	Edits        domain.Edits
	OutputFormat string
	Headers      map[string]string
}

// Decoder turns request syntax into bucket, key and edits. Thumbor-style and
// query-parameter mappers plug in here.
type Decoder interface {
	Decode(ev ImageHandlerEvent) (DecodedRequest, error)
}

// DefaultDecoder reads a base64-encoded JSON document from the request
// path: {"bucket", "key", "edits", "outputFormat", "headers"}.
type DefaultDecoder struct {
	SourceBuckets []string
}

type defaultRequest struct {
	Bucket       string                     `json:"bucket"`
	Key          string                     `json:"key"`
	Edits        map[string]json.RawMessage `json:"edits"`
	OutputFormat string                     `json:"outputFormat"`
	Headers      map[string]string          `json:"headers"`
}

func (d DefaultDecoder) Decode(ev ImageHandlerEvent) (DecodedRequest, error) {
	encoded := strings.TrimPrefix(ev.Path, "/")
	if encoded == "" {
		return DecodedRequest{}, imgerr.RequestTypeError("The request path is empty.", nil)
	}

	payload, err := decodeBase64(encoded)
	if err != nil {
		return DecodedRequest{}, imgerr.RequestTypeError("The request path is not valid base64.", err)
	}

	var req defaultRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return DecodedRequest{}, imgerr.RequestTypeError("The request path is not a valid JSON document.", err)
	}
	if strings.TrimSpace(req.Key) == "" {
		return DecodedRequest{}, imgerr.RequestTypeError("The request does not name an image key.", nil)
	}

	bucket, err := d.bucket(req.Bucket)
	if err != nil {
		return DecodedRequest{}, err
	}

	edits, err := domain.ParseEdits(req.Edits)
	if err != nil {
		return DecodedRequest{}, err
	}

	outputFormat := req.OutputFormat
	if raw, ok := req.Edits["toFormat"]; ok && outputFormat == "" {
		var alias string
		if err := json.Unmarshal(raw, &alias); err != nil {
			return DecodedRequest{}, imgerr.InvalidEdits("toFormat must be a string.")
		}
		outputFormat = alias
	}

	return DecodedRequest{
		Bucket:       bucket,
		Key:          req.Key,
		Edits:        edits,
		OutputFormat: domain.NormalizeFormat(outputFormat),
		Headers:      req.Headers,
	}, nil
}

// bucket resolves the requested bucket against the allowed list. An empty
// request bucket means the first allowed one.
func (d DefaultDecoder) bucket(requested string) (string, error) {
	if len(d.SourceBuckets) == 0 {
		return "", imgerr.ConfigurationError("SOURCE_BUCKETS is not configured.")
	}
	if requested == "" {
		return d.SourceBuckets[0], nil
	}
	if !slices.Contains(d.SourceBuckets, requested) {
		return "", imgerr.CannotAccessBucket(requested)
	}
	return requested, nil
}

func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, nil
		}
	}
	return nil, fmt.Errorf("decode %d base64 characters", len(s))
}
