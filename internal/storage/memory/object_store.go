// Package memory stores objects in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ObjectStore keeps object bytes in a map and lists keys in sorted order, so
// listing order is deterministic like a real bucket.
type ObjectStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewObjectStore creates an empty in-memory object store.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{data: make(map[string][]byte)}
}

// Put persists the content under key.
func (s *ObjectStore) Put(_ context.Context, key string, _ string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return nil
}

// ListByPrefix returns keys under the prefix in lexical order.
func (s *ObjectStore) ListByPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Get returns the bytes stored under key.
func (s *ObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("object %q not found", key)
	}
	return append([]byte(nil), data...), nil
}

// Delete removes the object stored under key.
func (s *ObjectStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return fmt.Errorf("object %q not found", key)
	}
	delete(s.data, key)
	return nil
}

// URI returns a memory:// pseudo location for a key.
func (s *ObjectStore) URI(key string) string {
	return fmt.Sprintf("memory://%s", key)
}

// Len reports the number of stored objects (for tests).
func (s *ObjectStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
