package storage

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/kaiwen/docmill/internal/domain"
)

// MemoryStorage implements ObjectStorage with an in-process map. Used
// for local single-node deployments and in tests.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		objects: make(map[string][]byte),
	}
}

// EnsureBucket is a no-op for in-memory storage.
func (s *MemoryStorage) EnsureBucket(ctx context.Context) error {
	return nil
}

// Upload stores the object bytes under key.
func (s *MemoryStorage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return nil
}

// Download returns a reader over a copy of the stored bytes.
func (s *MemoryStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.NewNotFoundError("artifact", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// GetURL returns a memory scheme pseudo-URL for the key.
func (s *MemoryStorage) GetURL(key string) string {
	return "memory://" + key
}

// Delete removes the object if present.
func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// Exists checks if an object exists.
func (s *MemoryStorage) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	_, ok := s.objects[key]
	s.mu.RUnlock()
	return ok, nil
}
