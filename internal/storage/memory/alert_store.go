package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/policy-watch/internal/policy"
)

// AlertStore keeps the email audit trail.
type AlertStore struct {
	mu       sync.RWMutex
	byChange map[string][]policy.EmailAlert
}

// NewAlertStore constructs an AlertStore.
func NewAlertStore() *AlertStore {
	return &AlertStore{byChange: make(map[string][]policy.EmailAlert)}
}

// Create appends an audit record.
func (s *AlertStore) Create(_ context.Context, a policy.EmailAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byChange[a.ChangeID] = append(s.byChange[a.ChangeID], a)
	return nil
}

// GetByChangeID returns a copy of the records for a change.
func (s *AlertStore) GetByChangeID(_ context.Context, changeID string) ([]policy.EmailAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alerts := s.byChange[changeID]
	out := make([]policy.EmailAlert, len(alerts))
	copy(out, alerts)
	return out, nil
}
