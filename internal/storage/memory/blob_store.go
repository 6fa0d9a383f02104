// Package memory provides in-process implementations of the repositories,
// crawl locks, snapshot store and artifact store for single-worker runs and
// tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Artifact is one captured page.
type Artifact struct {
	ContentType string
	Body        []byte
}

// BlobStore keeps challenge-page captures in memory.
type BlobStore struct {
	mu        sync.RWMutex
	artifacts map[string]Artifact
}

// NewBlobStore creates an empty BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{artifacts: make(map[string]Artifact)}
}

// PutObject implements crawler.ArtifactStore. URIs use the memory:// scheme.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, body io.Reader) (string, error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read artifact %s: %w", path, err)
	}
	s.mu.Lock()
	s.artifacts[path] = Artifact{ContentType: contentType, Body: b}
	s.mu.Unlock()
	return "memory://" + path, nil
}

// Object returns a copy of the stored body.
func (s *BlobStore) Object(path string) ([]byte, bool) {
	a, ok := s.Artifact(path)
	return a.Body, ok
}

// Artifact returns the stored capture including its content type.
func (s *BlobStore) Artifact(path string) (Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[path]
	a.Body = append([]byte(nil), a.Body...)
	return a, ok
}

// Paths lists stored artifact paths in sorted order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.artifacts))
	for p := range s.artifacts {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
