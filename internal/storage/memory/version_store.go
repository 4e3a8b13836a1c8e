package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/policy-watch/internal/policy"
)

// VersionStore keeps versions per source in insertion order.
type VersionStore struct {
	mu       sync.RWMutex
	bySource map[string][]policy.PolicyVersion
}

// NewVersionStore constructs a VersionStore.
func NewVersionStore() *VersionStore {
	return &VersionStore{bySource: make(map[string][]policy.PolicyVersion)}
}

// Create appends a version, rejecting a duplicate (source, hash) with policy.ErrConflict.
func (s *VersionStore) Create(_ context.Context, v policy.PolicyVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.bySource[v.SourceID] {
		if existing.ContentHash == v.ContentHash || existing.ID == v.ID {
			return policy.ErrConflict
		}
	}
	s.bySource[v.SourceID] = append(s.bySource[v.SourceID], v)
	return nil
}

// GetBySourceID returns versions newest first.
func (s *VersionStore) GetBySourceID(_ context.Context, sourceID string, limit int) ([]policy.PolicyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.bySource[sourceID]
	n := len(all)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]policy.PolicyVersion, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// GetLatestBySourceID returns the newest version or policy.ErrNotFound.
func (s *VersionStore) GetLatestBySourceID(_ context.Context, sourceID string) (policy.PolicyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.bySource[sourceID]
	if len(all) == 0 {
		return policy.PolicyVersion{}, policy.ErrNotFound
	}
	return all[len(all)-1], nil
}

// GetByHash returns the version with the given hash or policy.ErrNotFound.
func (s *VersionStore) GetByHash(_ context.Context, sourceID, hash string) (policy.PolicyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.bySource[sourceID] {
		if v.ContentHash == hash {
			return v, nil
		}
	}
	return policy.PolicyVersion{}, policy.ErrNotFound
}

// ExistsByHash reports whether the source has a version with hash.
func (s *VersionStore) ExistsByHash(ctx context.Context, sourceID, hash string) (bool, error) {
	_, err := s.GetByHash(ctx, sourceID, hash)
	if errors.Is(err, policy.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Count returns the number of versions stored for a source.
func (s *VersionStore) Count(sourceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySource[sourceID])
}
