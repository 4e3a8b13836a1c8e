package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/policy-watch/internal/policy"
)

// RouteStore keeps subscriptions in insertion order.
type RouteStore struct {
	mu     sync.RWMutex
	order  []string
	routes map[string]policy.RouteSubscription
}

// NewRouteStore constructs a RouteStore seeded with routes.
func NewRouteStore(routes ...policy.RouteSubscription) *RouteStore {
	s := &RouteStore{routes: make(map[string]policy.RouteSubscription)}
	for _, r := range routes {
		s.Put(r)
	}
	return s
}

// Put inserts or replaces a subscription.
func (s *RouteStore) Put(r policy.RouteSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	s.routes[r.ID] = r
}

// GetActiveByDestinationAndVisa matches on canonical country and visa type.
func (s *RouteStore) GetActiveByDestinationAndVisa(
	_ context.Context,
	country, visaType string,
) ([]policy.RouteSubscription, error) {
	country = policy.CanonicalCountry(country)
	visaType = policy.CanonicalVisaType(visaType)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []policy.RouteSubscription
	for _, id := range s.order {
		r := s.routes[id]
		if !r.IsActive {
			continue
		}
		if policy.CanonicalCountry(r.DestinationCountry) == country &&
			policy.CanonicalVisaType(r.VisaType) == visaType {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetByID returns a subscription or policy.ErrNotFound.
func (s *RouteStore) GetByID(_ context.Context, id string) (policy.RouteSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[id]
	if !ok {
		return policy.RouteSubscription{}, policy.ErrNotFound
	}
	return r, nil
}
