package postgres

import (
	"context"

	"github.com/JakeFAU/policy-watch/internal/policy"
)

const routeColumns = `id, origin_country, destination_country, visa_type, email, is_active, created_at`

// RouteStore reads route subscriptions.
type RouteStore struct {
	db DB
}

// GetActiveByDestinationAndVisa matches on canonical country and visa type.
// The SQL expressions mirror policy.CanonicalCountry and policy.CanonicalVisaType.
func (s *RouteStore) GetActiveByDestinationAndVisa(
	ctx context.Context,
	country, visaType string,
) ([]policy.RouteSubscription, error) {
	rows, err := s.db.Query(ctx, `SELECT `+routeColumns+` FROM route_subscriptions
WHERE is_active
	AND lower(btrim(destination_country)) = $1
	AND array_to_string(regexp_split_to_array(lower(btrim(visa_type)), '[\s_-]+'), '_') = $2
ORDER BY created_at, id`,
		policy.CanonicalCountry(country), policy.CanonicalVisaType(visaType))
	if err != nil {
		return nil, mapErr("list routes", err)
	}
	defer rows.Close()

	out := []policy.RouteSubscription{}
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, mapErr("scan route", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list routes", err)
	}
	return out, nil
}

// GetByID returns a subscription or policy.ErrNotFound.
func (s *RouteStore) GetByID(ctx context.Context, id string) (policy.RouteSubscription, error) {
	r, err := scanRoute(s.db.QueryRow(ctx, `SELECT `+routeColumns+` FROM route_subscriptions WHERE id = $1`, id))
	if err != nil {
		return policy.RouteSubscription{}, mapErr("get route", err)
	}
	return r, nil
}

func scanRoute(row scanner) (policy.RouteSubscription, error) {
	var r policy.RouteSubscription
	err := row.Scan(
		&r.ID,
		&r.OriginCountry,
		&r.DestinationCountry,
		&r.VisaType,
		&r.Email,
		&r.IsActive,
		&r.CreatedAt,
	)
	return r, err
}
