package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
)

// memStore implements objectStore in memory for testing.
type memStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	order     []string // keys in put order
	bucketErr error
	bucketOps int
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucketOps++
	return s.bucketErr
}

func (s *memStore) put(ctx context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("short upload")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.order = append(s.order, key)
	return nil
}

func (s *memStore) get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, errNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
