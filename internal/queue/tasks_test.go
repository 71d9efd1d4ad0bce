package queue

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

func TestIngestTaskRoundTrip(t *testing.T) {
	payload := IngestPayload{
		RequestID:   "req-123",
		Bucket:      "source",
		Key:         "uploads/cat.jpg",
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewIngestTask(payload)
	if err != nil {
		t.Fatalf("NewIngestTask returned error: %v", err)
	}
	if task.Type() != TypeIngestObject {
		t.Fatalf("expected task type %q, got %q", TypeIngestObject, task.Type())
	}

	parsed, err := ParseIngestPayload(task)
	if err != nil {
		t.Fatalf("ParseIngestPayload returned error: %v", err)
	}
	if parsed.Key != payload.Key || parsed.Bucket != payload.Bucket {
		t.Fatalf("expected %s/%s, got %s/%s", payload.Bucket, payload.Key, parsed.Bucket, parsed.Key)
	}
	if parsed.RequestID != "req-123" {
		t.Fatalf("expected request id req-123, got %q", parsed.RequestID)
	}
}

func TestIngestTaskRequiresObject(t *testing.T) {
	if _, err := NewIngestTask(IngestPayload{Bucket: "source"}); err == nil {
		t.Fatal("expected error for missing key")
	}
	if _, err := ParseIngestPayload(asynq.NewTask(TypeIngestObject, []byte(`{"bucket":"source"}`))); err == nil {
		t.Fatal("expected parse error for missing key")
	}
	if _, err := ParseIngestPayload(asynq.NewTask(TypeIngestObject, []byte(`not json`))); err == nil {
		t.Fatal("expected parse error for malformed payload")
	}
}
