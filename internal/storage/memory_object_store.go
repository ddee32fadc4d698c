package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryObjectStore is an ObjectStore held entirely in memory.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ ObjectStore = (*MemoryObjectStore)(nil)

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

func memoryKey(bucket, key string) string {
	return bucket + "/" + key
}

func (s *MemoryObjectStore) CreateBucket(ctx context.Context, bucket string) error {
	return nil
}

func (s *MemoryObjectStore) StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[memoryKey(bucket, key)]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
	}
	return ObjectInfo{Bucket: bucket, Key: key, Size: int64(len(data))}, nil
}

func (s *MemoryObjectStore) GetObject(ctx context.Context, bucket, key string, w io.WriterAt) (int64, error) {
	s.mu.RLock()
	data, ok := s.objects[memoryKey(bucket, key)]
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
	}

	n, err := w.WriteAt(data, 0)
	return int64(n), err
}

func (s *MemoryObjectStore) PutObject(ctx context.Context, bucket, key string, data io.Reader, size int64) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, data); err != nil {
		return fmt.Errorf("failed to read object data for %s/%s: %w", bucket, key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[memoryKey(bucket, key)] = buf.Bytes()
	return nil
}

func (s *MemoryObjectStore) DeleteObject(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, memoryKey(bucket, key))
	return nil
}

// Object returns a copy of the stored object.
func (s *MemoryObjectStore) Object(bucket, key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[memoryKey(bucket, key)]
	return bytes.Clone(data), ok
}

func (s *MemoryObjectStore) Set(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[memoryKey(bucket, key)] = bytes.Clone(data)
}
