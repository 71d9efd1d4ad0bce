package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint is the hex SHA-256 digest identifying a transformation.
type Fingerprint string

func (f Fingerprint) String() string {
	return string(f)
}

// ComputeFingerprint hashes the canonical JSON form of the request. Edits
// encode in pipeline order, so equal edit sets always hash equally no matter
// how the caller ordered them.
func ComputeFingerprint(bucket, key string, edits Edits, outputFormat string) Fingerprint {
	canonical, err := json.Marshal(struct {
		Bucket       string `json:"bucket"`
		Key          string `json:"key"`
		Edits        Edits  `json:"edits"`
		OutputFormat string `json:"outputFormat"`
	}{bucket, key, edits, NormalizeFormat(outputFormat)})
	if err != nil {
		// Edits only holds plain values; encoding cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(canonical)
	return Fingerprint(hex.EncodeToString(sum[:]))
}
