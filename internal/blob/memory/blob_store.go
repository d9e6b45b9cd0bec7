// Package memory contains an in-memory blob store for tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tududes/websophon/internal/sophon"
)

// BlobStore keeps blobs in a map, with an optional byte quota so tests
// can exercise eviction paths.
type BlobStore struct {
	mu       sync.RWMutex
	blobs    map[string][]byte
	maxBytes int
}

// New returns a memory BlobStore; maxBytes of 0 means unlimited.
func New(maxBytes int) *BlobStore {
	return &BlobStore{blobs: make(map[string][]byte), maxBytes: maxBytes}
}

// PutObject stores data and returns a mem:// URI, or
// sophon.ErrQuotaExceeded when the quota would be exceeded.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxBytes > 0 {
		used := 0
		for _, b := range s.blobs {
			used += len(b)
		}
		if used+len(data) > s.maxBytes {
			return "", fmt.Errorf("store %d bytes: %w", len(data), sophon.ErrQuotaExceeded)
		}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[path] = cp
	return "mem://" + path, nil
}

// DeleteObject removes a blob; missing blobs are not an error. Both raw
// paths and mem:// URIs are accepted.
func (s *BlobStore) DeleteObject(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, strings.TrimPrefix(path, "mem://"))
	return nil
}

// Get returns a stored blob for test assertions.
func (s *BlobStore) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[path]
	return b, ok
}

// Len returns the number of stored blobs.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
