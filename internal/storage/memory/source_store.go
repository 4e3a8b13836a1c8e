// Package memory holds in-process implementations of the policy stores for
// development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/policy-watch/internal/policy"
)

// SourceStore keeps sources in insertion order.
type SourceStore struct {
	mu      sync.RWMutex
	order   []string
	sources map[string]policy.Source
}

// NewSourceStore constructs a SourceStore seeded with sources.
func NewSourceStore(sources ...policy.Source) *SourceStore {
	s := &SourceStore{sources: make(map[string]policy.Source)}
	for _, src := range sources {
		s.Put(src)
	}
	return s
}

// Put inserts or replaces a source.
func (s *SourceStore) Put(src policy.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[src.ID]; !ok {
		s.order = append(s.order, src.ID)
	}
	s.sources[src.ID] = cloneSource(src)
}

// GetByID returns a source or policy.ErrNotFound.
func (s *SourceStore) GetByID(_ context.Context, id string) (policy.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return policy.Source{}, policy.ErrNotFound
	}
	return cloneSource(src), nil
}

// ListActive returns active sources in insertion order.
func (s *SourceStore) ListActive(_ context.Context) ([]policy.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]policy.Source, 0, len(s.order))
	for _, id := range s.order {
		if src := s.sources[id]; src.IsActive {
			out = append(out, cloneSource(src))
		}
	}
	return out, nil
}

// Update applies a partial update.
func (s *SourceStore) Update(_ context.Context, id string, patch policy.SourcePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return policy.ErrNotFound
	}
	patch.Apply(&src)
	s.sources[id] = src
	return nil
}

func cloneSource(src policy.Source) policy.Source {
	if src.Metadata != nil {
		meta := make(map[string]any, len(src.Metadata))
		for k, v := range src.Metadata {
			meta[k] = v
		}
		src.Metadata = meta
	}
	if src.LastCheckedAt != nil {
		ts := *src.LastCheckedAt
		src.LastCheckedAt = &ts
	}
	if src.LastChangeAt != nil {
		ts := *src.LastChangeAt
		src.LastChangeAt = &ts
	}
	return src
}
