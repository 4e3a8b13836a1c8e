package postgres

import (
	"context"

	"github.com/JakeFAU/policy-watch/internal/policy"
)

const sourceColumns = `id, country_code, visa_type, url, fetch_type, check_frequency, is_active,
	consecutive_fetch_failures, consecutive_email_failures, last_fetch_error, last_email_error,
	last_checked_at, last_change_at, metadata`

// SourceStore reads monitored sources.
type SourceStore struct {
	db DB
}

// GetByID returns a source or policy.ErrNotFound.
func (s *SourceStore) GetByID(ctx context.Context, id string) (policy.Source, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if err != nil {
		return policy.Source{}, mapErr("get source", err)
	}
	return src, nil
}

// ListActive returns active sources ordered by creation.
func (s *SourceStore) ListActive(ctx context.Context) ([]policy.Source, error) {
	rows, err := s.db.Query(ctx, `SELECT `+sourceColumns+` FROM sources WHERE is_active ORDER BY created_at, id`)
	if err != nil {
		return nil, mapErr("list sources", err)
	}
	defer rows.Close()

	out := []policy.Source{}
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, mapErr("scan source", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list sources", err)
	}
	return out, nil
}

// Update applies the non-nil patch fields.
func (s *SourceStore) Update(ctx context.Context, id string, patch policy.SourcePatch) error {
	tag, err := s.db.Exec(ctx, `
UPDATE sources SET
	consecutive_fetch_failures = COALESCE($2, consecutive_fetch_failures),
	consecutive_email_failures = COALESCE($3, consecutive_email_failures),
	last_fetch_error = COALESCE($4, last_fetch_error),
	last_email_error = COALESCE($5, last_email_error),
	last_checked_at = COALESCE($6, last_checked_at),
	last_change_at = COALESCE($7, last_change_at),
	updated_at = now()
WHERE id = $1`,
		id,
		patch.ConsecutiveFetchFailures,
		patch.ConsecutiveEmailFailures,
		patch.LastFetchError,
		patch.LastEmailError,
		patch.LastCheckedAt,
		patch.LastChangeAt,
	)
	if err != nil {
		return mapErr("update source", err)
	}
	if tag.RowsAffected() == 0 {
		return policy.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSource(row scanner) (policy.Source, error) {
	var (
		src             policy.Source
		fetchType, freq string
		meta            []byte
	)
	err := row.Scan(
		&src.ID,
		&src.CountryCode,
		&src.VisaType,
		&src.URL,
		&fetchType,
		&freq,
		&src.IsActive,
		&src.ConsecutiveFetchFailures,
		&src.ConsecutiveEmailFailures,
		&src.LastFetchError,
		&src.LastEmailError,
		&src.LastCheckedAt,
		&src.LastChangeAt,
		&meta,
	)
	if err != nil {
		return policy.Source{}, err
	}
	src.FetchType = policy.FetchType(fetchType)
	src.CheckFrequency = policy.Frequency(freq)
	if src.Metadata, err = unmarshalMeta(meta); err != nil {
		return policy.Source{}, err
	}
	return src, nil
}
