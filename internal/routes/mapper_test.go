package routes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/policy-watch/internal/policy"
	"github.com/JakeFAU/policy-watch/internal/storage/memory"
)

func fixtures() (*memory.SourceStore, *memory.RouteStore) {
	sources := memory.NewSourceStore(
		policy.Source{ID: "de-student", CountryCode: "DE", VisaType: "Student", IsActive: true},
		policy.Source{ID: "de-student-faq", CountryCode: "de", VisaType: "student", IsActive: true},
		policy.Source{ID: "de-work", CountryCode: "DE", VisaType: "Skilled Worker", IsActive: true},
		policy.Source{ID: "de-student-old", CountryCode: "DE", VisaType: "Student", IsActive: false},
	)
	routes := memory.NewRouteStore(
		policy.RouteSubscription{ID: "r1", OriginCountry: "IN", DestinationCountry: "DE", VisaType: "Student", Email: "a@example.com", IsActive: true},
		policy.RouteSubscription{ID: "r2", OriginCountry: "BR", DestinationCountry: "DE", VisaType: "STUDENT", Email: "b@example.com", IsActive: true},
		policy.RouteSubscription{ID: "r3", OriginCountry: "IN", DestinationCountry: "DE", VisaType: "Student", Email: "c@example.com", IsActive: false},
		policy.RouteSubscription{ID: "r4", OriginCountry: "IN", DestinationCountry: "DE", VisaType: "skilled-worker", Email: "d@example.com", IsActive: true},
		policy.RouteSubscription{ID: "r5", OriginCountry: "IN", DestinationCountry: "FR", VisaType: "Student", Email: "e@example.com", IsActive: true},
	)
	return sources, routes
}

func TestRoutesForSource(t *testing.T) {
	t.Parallel()

	sources, routes := fixtures()
	m := NewMapper(sources, routes)
	ctx := context.Background()

	tests := []struct {
		name   string
		source policy.Source
		want   []string
	}{
		{"many subscribers", policy.Source{ID: "de-student", CountryCode: "DE", VisaType: "Student"}, []string{"r1", "r2"}},
		{"canonical visa", policy.Source{ID: "de-work", CountryCode: "de", VisaType: "Skilled_Worker"}, []string{"r4"}},
		{"no subscribers", policy.Source{ID: "jp", CountryCode: "JP", VisaType: "Student"}, nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := m.RoutesForSource(ctx, tt.source)
			require.NoError(t, err)
			require.NotNil(t, got)
			ids := make([]string, 0, len(got))
			for _, r := range got {
				ids = append(ids, r.ID)
			}
			if tt.want == nil {
				require.Empty(t, ids)
				return
			}
			require.Equal(t, tt.want, ids)
		})
	}
}

func TestSourcesForRoute(t *testing.T) {
	t.Parallel()

	sources, routes := fixtures()
	m := NewMapper(sources, routes)
	ctx := context.Background()

	got, err := m.SourcesForRoute(ctx, policy.RouteSubscription{DestinationCountry: "DE", VisaType: "Student"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "de-student", got[0].ID)
	require.Equal(t, "de-student-faq", got[1].ID)

	got, err = m.SourcesForRoute(ctx, policy.RouteSubscription{DestinationCountry: "FR", VisaType: "Student"})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestMapperSurfacesStoreErrors(t *testing.T) {
	t.Parallel()

	m := NewMapper(brokenSources{}, brokenRoutes{})
	_, err := m.SourcesForRoute(context.Background(), policy.RouteSubscription{})
	require.ErrorContains(t, err, "list active sources")
	_, err = m.RoutesForSource(context.Background(), policy.Source{ID: "s"})
	require.ErrorContains(t, err, "routes for s")
}

var errDown = errors.New("db down")

type brokenSources struct{}

func (brokenSources) GetByID(context.Context, string) (policy.Source, error) {
	return policy.Source{}, errDown
}
func (brokenSources) ListActive(context.Context) ([]policy.Source, error) { return nil, errDown }
func (brokenSources) Update(context.Context, string, policy.SourcePatch) error {
	return errDown
}

type brokenRoutes struct{}

func (brokenRoutes) GetActiveByDestinationAndVisa(context.Context, string, string) ([]policy.RouteSubscription, error) {
	return nil, errDown
}
func (brokenRoutes) GetByID(context.Context, string) (policy.RouteSubscription, error) {
	return policy.RouteSubscription{}, errDown
}
