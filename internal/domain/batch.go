package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const (
	VariantStatusSuccess = "success"
	VariantStatusError   = "error"

	BatchStatusCompleted = "completed"
	BatchStatusPartial   = "partial"
	BatchStatusFailed    = "failed"
)

// BatchTransformSpec describes one variant produced for every uploaded
// object.
type BatchTransformSpec struct {
	Suffix    string `json:"suffix" yaml:"suffix"`
	Width     int    `json:"width" yaml:"width"`
	Height    int    `json:"height" yaml:"height"`
	Fit       string `json:"fit,omitempty" yaml:"fit,omitempty"`
	Quality   int    `json:"quality,omitempty" yaml:"quality,omitempty"`
	Watermark bool   `json:"watermark,omitempty" yaml:"watermark,omitempty"`
}

func DefaultBatchTransforms() []BatchTransformSpec {
	return []BatchTransformSpec{
		{Suffix: "thumb", Width: 150, Height: 150, Fit: FitCover, Quality: 80},
		{Suffix: "medium", Width: 800, Height: 600, Fit: FitInside, Quality: 85},
		{Suffix: "large", Width: 1920, Height: 1080, Fit: FitInside, Quality: 90},
		{Suffix: "banner", Width: 1200, Height: 400, Fit: FitCover, Quality: 85, Watermark: true},
	}
}

type VariantResult struct {
	Suffix       string `json:"suffix" dynamodbav:"suffix"`
	Status       string `json:"status" dynamodbav:"status"`
	OutputKey    string `json:"outputKey,omitempty" dynamodbav:"outputKey,omitempty"`
	Width        int    `json:"width,omitempty" dynamodbav:"width,omitempty"`
	Height       int    `json:"height,omitempty" dynamodbav:"height,omitempty"`
	Size         int    `json:"size,omitempty" dynamodbav:"size,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty" dynamodbav:"errorMessage,omitempty"`
}

// BatchRecord is the metadata document stored once per ingested object.
type BatchRecord struct {
	ImageID      string          `json:"imageId" dynamodbav:"imageId"`
	BucketName   string          `json:"bucketName" dynamodbav:"bucketName"`
	Key          string          `json:"key" dynamodbav:"key"`
	Status       string          `json:"processingStatus" dynamodbav:"processingStatus"`
	Variants     []VariantResult `json:"variants" dynamodbav:"variants"`
	SourceSize   int             `json:"size" dynamodbav:"size"`
	ContentType  string          `json:"contentType" dynamodbav:"contentType"`
	ErrorMessage string          `json:"processingError,omitempty" dynamodbav:"processingError,omitempty"`
	CreatedAt    time.Time       `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt" dynamodbav:"updatedAt"`
}

// Succeeded counts the variants that completed.
func (b BatchRecord) Succeeded() int {
	n := 0
	for _, v := range b.Variants {
		if v.Status == VariantStatusSuccess {
			n++
		}
	}
	return n
}

// BatchIDFor derives the batch document id from the source location.
func BatchIDFor(bucket, key string) string {
	sum := sha256.Sum256([]byte(bucket + "/" + key))
	return "batch_" + hex.EncodeToString(sum[:])[:32]
}
