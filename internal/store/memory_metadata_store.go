package store

import (
	"context"
	"sync"
	"time"

	"github.com/dunamismax/imagehandler/internal/domain"
)

type MemoryMetadataStore struct {
	mu      sync.RWMutex
	records map[string]domain.MetadataRecord
	batches map[string]domain.BatchRecord
}

func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{
		records: make(map[string]domain.MetadataRecord),
		batches: make(map[string]domain.BatchRecord),
	}
}

func (s *MemoryMetadataStore) Get(_ context.Context, imageID string) (*domain.MetadataRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[imageID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Put keeps the access statistics and creation time of an existing record.
func (s *MemoryMetadataStore) Put(_ context.Context, rec domain.MetadataRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.records[rec.ImageID]; ok {
		rec.AccessCount = prev.AccessCount
		rec.LastAccessed = prev.LastAccessed
		if !prev.CreatedAt.IsZero() {
			rec.CreatedAt = prev.CreatedAt
		}
	}
	s.records[rec.ImageID] = rec
	return nil
}

// RecordAccess is an upsert so a hit on an artifact whose metadata write was
// lost still gets counted.
func (s *MemoryMetadataStore) RecordAccess(_ context.Context, imageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[imageID]
	if !ok {
		rec = domain.MetadataRecord{ImageID: imageID, CreatedAt: at}
	}
	rec.AccessCount++
	rec.LastAccessed = at
	rec.UpdatedAt = at
	s.records[imageID] = rec
	return nil
}

func (s *MemoryMetadataStore) PutBatch(_ context.Context, rec domain.BatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Variants = append([]domain.VariantResult(nil), rec.Variants...)
	s.batches[rec.ImageID] = rec
	return nil
}

func (s *MemoryMetadataStore) GetBatch(_ context.Context, imageID string) (*domain.BatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.batches[imageID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}
