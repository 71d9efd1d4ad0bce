package domain

import "time"

// CanonicalRequest is the single request shape every invocation is
// normalized into. It is built once per invocation and never mutated.
type CanonicalRequest struct {
	SourceBucket        string
	SourceKey           string
	Edits               Edits
	OutputFormat        string
	RawImage            []byte
	DeclaredContentType string

	// Response hints gathered while parsing the request.
	CacheControl string
	LastModified time.Time
	ETag         string
	Headers      map[string]string
}

func (r CanonicalRequest) Fingerprint() Fingerprint {
	return ComputeFingerprint(r.SourceBucket, r.SourceKey, r.Edits, r.OutputFormat)
}

// ProcessedArtifact is a finished transformation result. It is shared
// read-only between every request that resolves to the same fingerprint.
type ProcessedArtifact struct {
	Fingerprint  Fingerprint
	Bytes        []byte
	ContentType  string
	Format       string
	Width        int
	Height       int
	SizeBytes    int
	SourceBucket string
	SourceKey    string
}

// ProcessingFailure identifies a build that produced no artifact. Code is
// the machine-readable error code returned to the caller.
type ProcessingFailure struct {
	Fingerprint  Fingerprint
	SourceBucket string
	SourceKey    string
	Code         string
}
