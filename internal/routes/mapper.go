// Package routes maps monitored sources to subscriber routes and back.
package routes

import (
	"context"
	"fmt"

	"github.com/JakeFAU/policy-watch/internal/policy"
)

// Mapper is a read-only matcher over the source and route stores. A source
// matches a route when its country equals the route destination and the
// canonical visa types are equal.
type Mapper struct {
	sources policy.SourceStore
	routes  policy.RouteStore
}

// NewMapper constructs a Mapper.
func NewMapper(sources policy.SourceStore, routes policy.RouteStore) *Mapper {
	return &Mapper{sources: sources, routes: routes}
}

// SourcesForRoute returns the active sources covering route. An empty result
// is not an error.
func (m *Mapper) SourcesForRoute(ctx context.Context, route policy.RouteSubscription) ([]policy.Source, error) {
	active, err := m.sources.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active sources: %w", err)
	}
	out := make([]policy.Source, 0)
	for _, src := range active {
		if src.IsActive && Matches(src, route) {
			out = append(out, src)
		}
	}
	return out, nil
}

// RoutesForSource returns the active subscriptions interested in src. An
// empty result is not an error.
func (m *Mapper) RoutesForSource(ctx context.Context, src policy.Source) ([]policy.RouteSubscription, error) {
	candidates, err := m.routes.GetActiveByDestinationAndVisa(ctx, src.CountryCode, src.VisaType)
	if err != nil {
		return nil, fmt.Errorf("list routes for %s: %w", src.ID, err)
	}
	out := make([]policy.RouteSubscription, 0, len(candidates))
	for _, r := range candidates {
		if r.IsActive && Matches(src, r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Matches reports whether src is relevant to route.
func Matches(src policy.Source, route policy.RouteSubscription) bool {
	return policy.CanonicalCountry(src.CountryCode) == policy.CanonicalCountry(route.DestinationCountry) &&
		policy.CanonicalVisaType(src.VisaType) == policy.CanonicalVisaType(route.VisaType)
}
