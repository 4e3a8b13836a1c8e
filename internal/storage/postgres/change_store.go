package postgres

import (
	"context"

	"github.com/JakeFAU/policy-watch/internal/policy"
)

const changeColumns = `id, source_id, old_version_id, new_version_id, old_hash, new_hash,
	diff, diff_length, detected_at`

// ChangeStore persists change records.
type ChangeStore struct {
	db DB
}

// Create inserts c.
func (s *ChangeStore) Create(ctx context.Context, c policy.PolicyChange) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO policy_changes (
	id, source_id, old_version_id, new_version_id, old_hash, new_hash,
	diff, diff_length, detected_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID,
		c.SourceID,
		c.OldVersionID,
		c.NewVersionID,
		c.OldHash,
		c.NewHash,
		c.DiffText,
		c.DiffLength,
		c.DetectedAt,
	)
	return mapErr("insert change", err)
}

// GetByID returns a change or policy.ErrNotFound.
func (s *ChangeStore) GetByID(ctx context.Context, id string) (policy.PolicyChange, error) {
	c, err := scanChange(s.db.QueryRow(ctx, `SELECT `+changeColumns+` FROM policy_changes WHERE id = $1`, id))
	if err != nil {
		return policy.PolicyChange{}, mapErr("get change", err)
	}
	return c, nil
}

// GetBySourceID returns changes newest first.
func (s *ChangeStore) GetBySourceID(ctx context.Context, sourceID string, limit int) ([]policy.PolicyChange, error) {
	rows, err := s.db.Query(ctx, `SELECT `+changeColumns+` FROM policy_changes
WHERE source_id = $1 ORDER BY detected_at DESC, id DESC LIMIT $2`, sourceID, limitArg(limit))
	if err != nil {
		return nil, mapErr("list changes", err)
	}
	defer rows.Close()

	out := []policy.PolicyChange{}
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, mapErr("scan change", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list changes", err)
	}
	return out, nil
}

// GetLatestBySourceID returns the newest change or policy.ErrNotFound.
func (s *ChangeStore) GetLatestBySourceID(ctx context.Context, sourceID string) (policy.PolicyChange, error) {
	c, err := scanChange(s.db.QueryRow(ctx, `SELECT `+changeColumns+` FROM policy_changes
WHERE source_id = $1 ORDER BY detected_at DESC, id DESC LIMIT 1`, sourceID))
	if err != nil {
		return policy.PolicyChange{}, mapErr("latest change", err)
	}
	return c, nil
}

func scanChange(row scanner) (policy.PolicyChange, error) {
	var c policy.PolicyChange
	err := row.Scan(
		&c.ID,
		&c.SourceID,
		&c.OldVersionID,
		&c.NewVersionID,
		&c.OldHash,
		&c.NewHash,
		&c.DiffText,
		&c.DiffLength,
		&c.DetectedAt,
	)
	return c, err
}
