package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypeIngestObject = "image:ingest"

// IngestPayload names one uploaded source object that should be expanded
// into its configured variants.
type IngestPayload struct {
	RequestID   string    `json:"request_id"`
	Bucket      string    `json:"bucket"`
	Key         string    `json:"key"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewIngestTask(payload IngestPayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.Bucket) == "" || strings.TrimSpace(payload.Key) == "" {
		return nil, fmt.Errorf("ingest payload requires bucket and key")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ingest payload: %w", err)
	}
	return asynq.NewTask(TypeIngestObject, body), nil
}

func ParseIngestPayload(task *asynq.Task) (IngestPayload, error) {
	var payload IngestPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return IngestPayload{}, fmt.Errorf("unmarshal ingest payload: %w", err)
	}
	if payload.Bucket == "" || payload.Key == "" {
		return IngestPayload{}, fmt.Errorf("ingest payload missing bucket or key")
	}
	return payload, nil
}
