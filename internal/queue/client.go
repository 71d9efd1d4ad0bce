package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/imagehandler/internal/domain"
)

// ErrDuplicate is returned when an ingest for the same object is already
// pending in the queue.
var ErrDuplicate = asynq.ErrTaskIDConflict

type Client struct {
	client   *asynq.Client
	queue    string
	maxRetry int
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, maxRetry int) *Client {
	if maxRetry < 0 {
		maxRetry = 0
	}
	return &Client{
		client:   asynq.NewClient(redisOpt),
		queue:    queueName,
		maxRetry: maxRetry,
	}
}

// EnqueueIngest schedules variant generation for one source object. The task
// id is derived from the batch id so concurrent uploads of one key collapse.
func (c *Client) EnqueueIngest(ctx context.Context, payload IngestPayload) (*asynq.TaskInfo, error) {
	task, err := NewIngestTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(domain.BatchIDFor(payload.Bucket, payload.Key)),
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(3*time.Minute),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
