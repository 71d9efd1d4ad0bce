package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/imagehandler/internal/domain"
	_ "github.com/lib/pq"
)

const metadataSchemaSQL = `
CREATE TABLE IF NOT EXISTS image_metadata (
	image_id TEXT PRIMARY KEY,
	bucket_name TEXT NOT NULL DEFAULT '',
	object_key TEXT NOT NULL DEFAULT '',
	format TEXT NOT NULL DEFAULT '',
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	size INTEGER NOT NULL DEFAULT 0,
	content_type TEXT NOT NULL DEFAULT '',
	processing_status TEXT NOT NULL DEFAULT '',
	processing_error TEXT NOT NULL DEFAULT '',
	access_count BIGINT NOT NULL DEFAULT 0,
	last_accessed TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS image_batches (
	image_id TEXT PRIMARY KEY,
	bucket_name TEXT NOT NULL,
	object_key TEXT NOT NULL,
	processing_status TEXT NOT NULL,
	variants JSONB NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	content_type TEXT NOT NULL DEFAULT '',
	processing_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

type PostgresMetadataStore struct {
	db *sql.DB
}

func NewPostgresMetadataStore(ctx context.Context, dsn string) (*PostgresMetadataStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresMetadataStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresMetadataStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, metadataSchemaSQL); err != nil {
		return fmt.Errorf("ensure metadata schema: %w", err)
	}
	return nil
}

func (s *PostgresMetadataStore) Close() error {
	return s.db.Close()
}

func (s *PostgresMetadataStore) Get(ctx context.Context, imageID string) (*domain.MetadataRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT image_id, bucket_name, object_key, format, width, height, size, content_type,
		        processing_status, processing_error, access_count, last_accessed, created_at, updated_at
		 FROM image_metadata
		 WHERE image_id = $1`,
		imageID,
	)

	var (
		rec          domain.MetadataRecord
		lastAccessed sql.NullTime
	)
	if err := row.Scan(
		&rec.ImageID,
		&rec.BucketName,
		&rec.Key,
		&rec.Format,
		&rec.Width,
		&rec.Height,
		&rec.Size,
		&rec.ContentType,
		&rec.ProcessingStatus,
		&rec.ProcessingError,
		&rec.AccessCount,
		&lastAccessed,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query image metadata: %w", err)
	}
	rec.LastAccessed = lastAccessed.Time

	return &rec, nil
}

// Put keeps the access statistics of an existing row; a rebuilt artifact
// does not reset its counters.
func (s *PostgresMetadataStore) Put(ctx context.Context, rec domain.MetadataRecord) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO image_metadata (image_id, bucket_name, object_key, format, width, height, size, content_type,
		                             processing_status, processing_error, access_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (image_id) DO UPDATE SET
		   bucket_name = EXCLUDED.bucket_name,
		   object_key = EXCLUDED.object_key,
		   format = EXCLUDED.format,
		   width = EXCLUDED.width,
		   height = EXCLUDED.height,
		   size = EXCLUDED.size,
		   content_type = EXCLUDED.content_type,
		   processing_status = EXCLUDED.processing_status,
		   processing_error = EXCLUDED.processing_error,
		   updated_at = EXCLUDED.updated_at`,
		rec.ImageID,
		rec.BucketName,
		rec.Key,
		rec.Format,
		rec.Width,
		rec.Height,
		rec.Size,
		rec.ContentType,
		rec.ProcessingStatus,
		rec.ProcessingError,
		rec.AccessCount,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert image metadata: %w", err)
	}
	return nil
}

func (s *PostgresMetadataStore) RecordAccess(ctx context.Context, imageID string, at time.Time) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO image_metadata (image_id, access_count, last_accessed, created_at, updated_at)
		 VALUES ($1, 1, $2, $2, $2)
		 ON CONFLICT (image_id) DO UPDATE SET
		   access_count = image_metadata.access_count + 1,
		   last_accessed = EXCLUDED.last_accessed,
		   updated_at = EXCLUDED.updated_at`,
		imageID,
		at,
	)
	if err != nil {
		return fmt.Errorf("record image access: %w", err)
	}
	return nil
}

func (s *PostgresMetadataStore) PutBatch(ctx context.Context, rec domain.BatchRecord) error {
	variantsJSON, err := json.Marshal(rec.Variants)
	if err != nil {
		return fmt.Errorf("marshal batch variants: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO image_batches (image_id, bucket_name, object_key, processing_status, variants, size,
		                            content_type, processing_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (image_id) DO UPDATE SET
		   processing_status = EXCLUDED.processing_status,
		   variants = EXCLUDED.variants,
		   size = EXCLUDED.size,
		   content_type = EXCLUDED.content_type,
		   processing_error = EXCLUDED.processing_error,
		   updated_at = EXCLUDED.updated_at`,
		rec.ImageID,
		rec.BucketName,
		rec.Key,
		rec.Status,
		variantsJSON,
		rec.SourceSize,
		rec.ContentType,
		rec.ErrorMessage,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert image batch: %w", err)
	}
	return nil
}

func (s *PostgresMetadataStore) GetBatch(ctx context.Context, imageID string) (*domain.BatchRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT image_id, bucket_name, object_key, processing_status, variants, size, content_type,
		        processing_error, created_at, updated_at
		 FROM image_batches
		 WHERE image_id = $1`,
		imageID,
	)

	var (
		rec          domain.BatchRecord
		variantsJSON []byte
	)
	if err := row.Scan(
		&rec.ImageID,
		&rec.BucketName,
		&rec.Key,
		&rec.Status,
		&variantsJSON,
		&rec.SourceSize,
		&rec.ContentType,
		&rec.ErrorMessage,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query image batch: %w", err)
	}

	if err := json.Unmarshal(variantsJSON, &rec.Variants); err != nil {
		return nil, fmt.Errorf("unmarshal batch variants: %w", err)
	}

	return &rec, nil
}
