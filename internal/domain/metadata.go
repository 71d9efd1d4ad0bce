package domain

import "time"

const (
	ProcessingStatusPending   = "pending"
	ProcessingStatusProcessed = "processed"
	ProcessingStatusFailed    = "failed"
)

// MetadataRecord describes one stored artifact. ImageID is derived from the
// artifact fingerprint.
type MetadataRecord struct {
	ImageID          string    `json:"imageId" dynamodbav:"imageId"`
	BucketName       string    `json:"bucketName" dynamodbav:"bucketName"`
	Key              string    `json:"key" dynamodbav:"key"`
	Format           string    `json:"format" dynamodbav:"format"`
	Width            int       `json:"width" dynamodbav:"width"`
	Height           int       `json:"height" dynamodbav:"height"`
	Size             int       `json:"size" dynamodbav:"size"`
	ContentType      string    `json:"contentType" dynamodbav:"contentType"`
	ProcessingStatus string    `json:"processingStatus" dynamodbav:"processingStatus"`
	ProcessingError  string    `json:"processingError,omitempty" dynamodbav:"processingError,omitempty"`
	AccessCount      int64     `json:"accessCount" dynamodbav:"accessCount"`
	LastAccessed     time.Time `json:"lastAccessed" dynamodbav:"lastAccessed"`
	CreatedAt        time.Time `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt" dynamodbav:"updatedAt"`
}

func ImageIDForFingerprint(fp Fingerprint) string {
	return "img_" + string(fp)
}
