package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/policy-watch/internal/policy"
)

// ChangeStore keeps immutable change records.
type ChangeStore struct {
	mu       sync.RWMutex
	byID     map[string]policy.PolicyChange
	bySource map[string][]string
}

// NewChangeStore constructs a ChangeStore.
func NewChangeStore() *ChangeStore {
	return &ChangeStore{
		byID:     make(map[string]policy.PolicyChange),
		bySource: make(map[string][]string),
	}
}

// Create stores a change; an existing ID yields policy.ErrConflict.
func (s *ChangeStore) Create(_ context.Context, c policy.PolicyChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.ID]; ok {
		return policy.ErrConflict
	}
	s.byID[c.ID] = c
	s.bySource[c.SourceID] = append(s.bySource[c.SourceID], c.ID)
	return nil
}

// GetByID returns a change or policy.ErrNotFound.
func (s *ChangeStore) GetByID(_ context.Context, id string) (policy.PolicyChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return policy.PolicyChange{}, policy.ErrNotFound
	}
	return c, nil
}

// GetBySourceID returns changes newest first.
func (s *ChangeStore) GetBySourceID(_ context.Context, sourceID string, limit int) ([]policy.PolicyChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.bySource[sourceID]
	out := make([]policy.PolicyChange, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.byID[ids[i]])
	}
	return out, nil
}

// GetLatestBySourceID returns the newest change or policy.ErrNotFound.
func (s *ChangeStore) GetLatestBySourceID(ctx context.Context, sourceID string) (policy.PolicyChange, error) {
	changes, err := s.GetBySourceID(ctx, sourceID, 1)
	if err != nil {
		return policy.PolicyChange{}, err
	}
	if len(changes) == 0 {
		return policy.PolicyChange{}, policy.ErrNotFound
	}
	return changes[0], nil
}
