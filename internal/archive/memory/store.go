// Package memory provides an in-memory snapshot archive for development
// and testing.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type object struct {
	contentType string
	data        []byte
}

// Store keeps snapshots in a map guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
}

// New constructs a Store.
func New() *Store {
	return &Store{objects: make(map[string]object)}
}

// PutObject stores a copy of data under path and returns a mem:// URI.
func (s *Store) PutObject(_ context.Context, path string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = object{
		contentType: contentType,
		data:        append([]byte(nil), data...),
	}
	return "mem://" + path, nil
}

// GetObject returns the stored bytes and content type for path.
func (s *Store) GetObject(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.data...), obj.contentType, true
}

// Len reports how many objects are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
