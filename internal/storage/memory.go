package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"maps"
	"sync"
	"time"
)

// MemoryStore keeps objects in process. It backs tests and single-node
// development runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]Object),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, bucket, key string) (Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[memoryKey(bucket, key)]
	if !ok {
		return Object{}, fmt.Errorf("get %s/%s: %w", bucket, key, ErrNotFound)
	}
	return cloneObject(obj, true), nil
}

func (s *MemoryStore) Put(_ context.Context, bucket, key string, obj Object) error {
	sum := md5.Sum(obj.Body)
	stored := cloneObject(obj, true)
	stored.ETag = `"` + hex.EncodeToString(sum[:]) + `"`
	stored.LastModified = s.now().UTC().Truncate(time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[memoryKey(bucket, key)] = stored
	return nil
}

func (s *MemoryStore) Head(_ context.Context, bucket, key string) (Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[memoryKey(bucket, key)]
	if !ok {
		return Object{}, fmt.Errorf("head %s/%s: %w", bucket, key, ErrNotFound)
	}
	return cloneObject(obj, false), nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

func memoryKey(bucket, key string) string {
	return bucket + "/" + key
}

func cloneObject(obj Object, withBody bool) Object {
	out := obj
	out.Body = nil
	if withBody && obj.Body != nil {
		out.Body = append([]byte(nil), obj.Body...)
	}
	if obj.Metadata != nil {
		out.Metadata = maps.Clone(obj.Metadata)
	}
	return out
}
