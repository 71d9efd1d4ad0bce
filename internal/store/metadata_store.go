package store

import (
	"context"
	"time"

	"github.com/dunamismax/imagehandler/internal/domain"
)

// MetadataStore persists artifact and batch metadata documents keyed by
// image id. Get and GetBatch return nil with a nil error on a miss.
type MetadataStore interface {
	Get(ctx context.Context, imageID string) (*domain.MetadataRecord, error)
	Put(ctx context.Context, rec domain.MetadataRecord) error
	RecordAccess(ctx context.Context, imageID string, at time.Time) error
	PutBatch(ctx context.Context, rec domain.BatchRecord) error
	GetBatch(ctx context.Context, imageID string) (*domain.BatchRecord, error)
}
