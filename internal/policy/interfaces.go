package policy

import (
	"context"
	"io"
	"time"
)

// SourceStore reads monitored sources and applies pipeline-owned mutations.
type SourceStore interface {
	GetByID(ctx context.Context, id string) (Source, error)
	ListActive(ctx context.Context) ([]Source, error)
	Update(ctx context.Context, id string, patch SourcePatch) error
}

// VersionStore persists immutable snapshots. Create returns ErrConflict when a
// version with the same (source, hash) already exists.
type VersionStore interface {
	Create(ctx context.Context, version PolicyVersion) error
	// GetBySourceID returns versions newest first; limit <= 0 returns all.
	GetBySourceID(ctx context.Context, sourceID string, limit int) ([]PolicyVersion, error)
	GetLatestBySourceID(ctx context.Context, sourceID string) (PolicyVersion, error)
	GetByHash(ctx context.Context, sourceID, hash string) (PolicyVersion, error)
	ExistsByHash(ctx context.Context, sourceID, hash string) (bool, error)
}

// ChangeStore persists immutable change records.
type ChangeStore interface {
	Create(ctx context.Context, change PolicyChange) error
	GetByID(ctx context.Context, id string) (PolicyChange, error)
	// GetBySourceID returns changes newest first; limit <= 0 returns all.
	GetBySourceID(ctx context.Context, sourceID string, limit int) ([]PolicyChange, error)
	GetLatestBySourceID(ctx context.Context, sourceID string) (PolicyChange, error)
}

// RouteStore reads subscriber interests.
type RouteStore interface {
	GetActiveByDestinationAndVisa(ctx context.Context, country, visaType string) ([]RouteSubscription, error)
	GetByID(ctx context.Context, id string) (RouteSubscription, error)
}

// AlertStore persists the notification audit trail.
type AlertStore interface {
	Create(ctx context.Context, alert EmailAlert) error
	GetByChangeID(ctx context.Context, changeID string) ([]EmailAlert, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
