package postgres

import (
	"context"

	"github.com/JakeFAU/policy-watch/internal/policy"
)

const versionColumns = `id, source_id, content_hash, raw_text, fetched_at, normalized_at,
	content_length, fetch_duration_ms, fetch_metadata`

// VersionStore persists normalized snapshots. The (source_id, content_hash)
// unique index makes Create idempotent.
type VersionStore struct {
	db DB
}

// Create inserts v, returning policy.ErrConflict when the hash is already stored.
func (s *VersionStore) Create(ctx context.Context, v policy.PolicyVersion) error {
	meta, err := marshalMeta(v.FetchMetadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO policy_versions (
	id, source_id, content_hash, raw_text, fetched_at, normalized_at,
	content_length, fetch_duration_ms, fetch_metadata
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		v.ID,
		v.SourceID,
		v.ContentHash,
		v.RawText,
		v.FetchedAt,
		v.NormalizedAt,
		v.ContentLength,
		v.FetchDurationMs,
		meta,
	)
	return mapErr("insert version", err)
}

// GetBySourceID returns versions newest first.
func (s *VersionStore) GetBySourceID(ctx context.Context, sourceID string, limit int) ([]policy.PolicyVersion, error) {
	rows, err := s.db.Query(ctx, `SELECT `+versionColumns+` FROM policy_versions
WHERE source_id = $1 ORDER BY normalized_at DESC, id DESC LIMIT $2`, sourceID, limitArg(limit))
	if err != nil {
		return nil, mapErr("list versions", err)
	}
	defer rows.Close()

	out := []policy.PolicyVersion{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, mapErr("scan version", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list versions", err)
	}
	return out, nil
}

// GetLatestBySourceID returns the newest version or policy.ErrNotFound.
func (s *VersionStore) GetLatestBySourceID(ctx context.Context, sourceID string) (policy.PolicyVersion, error) {
	row := s.db.QueryRow(ctx, `SELECT `+versionColumns+` FROM policy_versions
WHERE source_id = $1 ORDER BY normalized_at DESC, id DESC LIMIT 1`, sourceID)
	v, err := scanVersion(row)
	if err != nil {
		return policy.PolicyVersion{}, mapErr("latest version", err)
	}
	return v, nil
}

// GetByHash returns the version of sourceID with hash or policy.ErrNotFound.
func (s *VersionStore) GetByHash(ctx context.Context, sourceID, hash string) (policy.PolicyVersion, error) {
	row := s.db.QueryRow(ctx, `SELECT `+versionColumns+` FROM policy_versions
WHERE source_id = $1 AND content_hash = $2`, sourceID, hash)
	v, err := scanVersion(row)
	if err != nil {
		return policy.PolicyVersion{}, mapErr("version by hash", err)
	}
	return v, nil
}

// ExistsByHash reports whether sourceID already has a version with hash.
func (s *VersionStore) ExistsByHash(ctx context.Context, sourceID, hash string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (
	SELECT 1 FROM policy_versions WHERE source_id = $1 AND content_hash = $2
)`, sourceID, hash).Scan(&exists)
	if err != nil {
		return false, mapErr("version exists", err)
	}
	return exists, nil
}

func scanVersion(row scanner) (policy.PolicyVersion, error) {
	var (
		v    policy.PolicyVersion
		meta []byte
	)
	err := row.Scan(
		&v.ID,
		&v.SourceID,
		&v.ContentHash,
		&v.RawText,
		&v.FetchedAt,
		&v.NormalizedAt,
		&v.ContentLength,
		&v.FetchDurationMs,
		&meta,
	)
	if err != nil {
		return policy.PolicyVersion{}, err
	}
	if v.FetchMetadata, err = unmarshalMeta(meta); err != nil {
		return policy.PolicyVersion{}, err
	}
	return v, nil
}
