// Package changes stores normalized snapshots idempotently, detects content
// changes between consecutive snapshots and records them as immutable changes.
package changes

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-watch/internal/diff"
	hashsha "github.com/JakeFAU/policy-watch/internal/hash/sha256"
	"github.com/JakeFAU/policy-watch/internal/policy"
)

const labelHashLen = 12

// VersionInput describes a normalized snapshot to persist.
type VersionInput struct {
	SourceID       string
	NormalizedText string
	FetchedAt      time.Time
	FetchDuration  time.Duration
	FetchMetadata  map[string]any
}

// VersionOutcome is returned by StoreVersion. Created is false when an
// identical snapshot already existed; Detection and Change are only populated
// for newly created versions.
type VersionOutcome struct {
	Version   policy.PolicyVersion
	Created   bool
	Detection policy.ChangeResult
	Change    *policy.PolicyChange
}

// ChangeDetected reports whether a change record was persisted.
func (o VersionOutcome) ChangeDetected() bool {
	return o.Change != nil
}

// ChangeInput carries the fields of a new PolicyChange.
type ChangeInput struct {
	SourceID     string
	OldVersionID *string
	NewVersionID string
	OldHash      string
	NewHash      string
	Diff         string
}

// Tracker wires the version store, change store and diff generator.
type Tracker struct {
	versions policy.VersionStore
	changes  policy.ChangeStore
	hasher   policy.Hasher
	ids      policy.IDGenerator
	clock    policy.Clock
	differ   *diff.Generator
	logger   *zap.Logger
}

// NewTracker constructs a Tracker.
func NewTracker(
	versions policy.VersionStore,
	changes policy.ChangeStore,
	hasher policy.Hasher,
	ids policy.IDGenerator,
	clk policy.Clock,
	differ *diff.Generator,
	logger *zap.Logger,
) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if differ == nil {
		differ = diff.New(diff.Config{})
	}
	return &Tracker{
		versions: versions,
		changes:  changes,
		hasher:   hasher,
		ids:      ids,
		clock:    clk,
		differ:   differ,
		logger:   logger,
	}
}

// StoreVersion persists the snapshot unless the source already has a version
// with the same hash, in which case the existing record is returned untouched.
// A newly created version is compared against its predecessor and a change is
// recorded when the content differs.
func (t *Tracker) StoreVersion(ctx context.Context, in VersionInput) (VersionOutcome, error) {
	if in.SourceID == "" {
		return VersionOutcome{}, policy.NewValidationError("source_id", "required")
	}
	hash, err := t.hasher.Hash([]byte(in.NormalizedText))
	if err != nil {
		return VersionOutcome{}, fmt.Errorf("hash content: %w", err)
	}

	existing, err := t.versions.GetByHash(ctx, in.SourceID, hash)
	switch {
	case err == nil:
		t.logger.Debug("version already stored",
			zap.String("source_id", in.SourceID), zap.String("version_id", existing.ID))
		return VersionOutcome{Version: existing}, nil
	case !errors.Is(err, policy.ErrNotFound):
		return VersionOutcome{}, fmt.Errorf("lookup version by hash: %w", err)
	}

	id, err := t.ids.NewID()
	if err != nil {
		return VersionOutcome{}, fmt.Errorf("version id: %w", err)
	}
	version := policy.PolicyVersion{
		ID:              id,
		SourceID:        in.SourceID,
		ContentHash:     hash,
		RawText:         in.NormalizedText,
		FetchedAt:       in.FetchedAt.UTC(),
		NormalizedAt:    t.clock.Now(),
		ContentLength:   utf8.RuneCountInString(in.NormalizedText),
		FetchDurationMs: in.FetchDuration.Milliseconds(),
		FetchMetadata:   in.FetchMetadata,
	}
	if err := t.versions.Create(ctx, version); err != nil {
		if !errors.Is(err, policy.ErrConflict) {
			return VersionOutcome{}, fmt.Errorf("create version: %w", err)
		}
		// Another writer stored the same snapshot first.
		winner, getErr := t.versions.GetByHash(ctx, in.SourceID, hash)
		if getErr != nil {
			return VersionOutcome{}, fmt.Errorf("reload conflicting version: %w", getErr)
		}
		return VersionOutcome{Version: winner}, nil
	}
	t.logger.Info("stored new version",
		zap.String("source_id", in.SourceID),
		zap.String("version_id", version.ID),
		zap.String("content_hash", hash))

	outcome := VersionOutcome{Version: version, Created: true}
	detection, err := t.DetectChange(ctx, in.SourceID, hash, version.ID)
	if err != nil {
		return outcome, fmt.Errorf("detect change: %w", err)
	}
	outcome.Detection = detection
	if !detection.Changed {
		return outcome, nil
	}

	oldID := detection.OldVersionID
	change, err := t.CreateChange(ctx, ChangeInput{
		SourceID:     in.SourceID,
		OldVersionID: &oldID,
		NewVersionID: detection.NewVersionID,
		OldHash:      detection.OldHash,
		NewHash:      detection.NewHash,
		Diff:         detection.Diff,
	})
	if err != nil {
		var validation *policy.ValidationError
		if errors.As(err, &validation) {
			t.logger.Warn("change not recorded",
				zap.String("source_id", in.SourceID),
				zap.String("version_id", version.ID),
				zap.Error(err))
			return outcome, nil
		}
		return outcome, fmt.Errorf("create change: %w", err)
	}
	outcome.Change = &change
	return outcome, nil
}

// DetectChange compares newHash against the most recent other version of the
// source. Without a predecessor the result is a first fetch.
func (t *Tracker) DetectChange(ctx context.Context, sourceID, newHash, newVersionID string) (policy.ChangeResult, error) {
	result := policy.ChangeResult{NewHash: newHash, NewVersionID: newVersionID}

	recent, err := t.versions.GetBySourceID(ctx, sourceID, 2)
	if err != nil {
		return result, fmt.Errorf("list recent versions: %w", err)
	}
	var prior, current *policy.PolicyVersion
	for i := range recent {
		if recent[i].ID == newVersionID {
			current = &recent[i]
			continue
		}
		if prior == nil {
			prior = &recent[i]
		}
	}
	if prior == nil {
		result.FirstFetch = true
		return result, nil
	}

	result.OldHash = prior.ContentHash
	result.OldVersionID = prior.ID
	if prior.ContentHash == newHash {
		return result, nil
	}
	result.Changed = true

	if current == nil {
		v, err := t.versions.GetByHash(ctx, sourceID, newHash)
		if err != nil {
			return result, fmt.Errorf("load new version: %w", err)
		}
		current = &v
	}
	text, err := t.differ.Generate(prior.RawText, current.RawText, diff.Options{
		ContextLines: diff.DefaultContextLines,
		FromLabel:    versionLabel(*prior),
		ToLabel:      versionLabel(*current),
	})
	if err != nil {
		t.logger.Warn("diff generation failed",
			zap.String("source_id", sourceID),
			zap.String("version_id", newVersionID),
			zap.Error(err))
		return result, nil
	}
	result.Diff = text
	return result, nil
}

// CreateChange validates and persists an immutable change record.
func (t *Tracker) CreateChange(ctx context.Context, in ChangeInput) (policy.PolicyChange, error) {
	if err := validateChange(in); err != nil {
		return policy.PolicyChange{}, err
	}
	id, err := t.ids.NewID()
	if err != nil {
		return policy.PolicyChange{}, fmt.Errorf("change id: %w", err)
	}
	change := policy.PolicyChange{
		ID:           id,
		SourceID:     in.SourceID,
		OldVersionID: in.OldVersionID,
		NewVersionID: in.NewVersionID,
		OldHash:      in.OldHash,
		NewHash:      in.NewHash,
		DiffText:     in.Diff,
		DiffLength:   utf8.RuneCountInString(in.Diff),
		DetectedAt:   t.clock.Now(),
	}
	if err := t.changes.Create(ctx, change); err != nil {
		return policy.PolicyChange{}, fmt.Errorf("persist change: %w", err)
	}
	t.logger.Info("change recorded",
		zap.String("source_id", change.SourceID),
		zap.String("change_id", change.ID),
		zap.Int("diff_length", change.DiffLength))
	return change, nil
}

func validateChange(in ChangeInput) error {
	switch {
	case in.SourceID == "":
		return policy.NewValidationError("source_id", "required")
	case in.NewVersionID == "":
		return policy.NewValidationError("new_version_id", "required")
	case in.OldVersionID != nil && *in.OldVersionID == "":
		return policy.NewValidationError("old_version_id", "must be omitted or non-empty")
	case !hashsha.Valid(in.OldHash):
		return policy.NewValidationError("old_hash", "must be 64 lowercase hex characters")
	case !hashsha.Valid(in.NewHash):
		return policy.NewValidationError("new_hash", "must be 64 lowercase hex characters")
	case in.OldHash == in.NewHash:
		return policy.NewValidationError("new_hash", "must differ from old_hash")
	case in.Diff == "":
		return policy.NewValidationError("diff", "required")
	}
	return nil
}

func versionLabel(v policy.PolicyVersion) string {
	h := v.ContentHash
	if len(h) > labelHashLen {
		h = h[:labelHashLen]
	}
	return fmt.Sprintf("%s\t%s", h, v.FetchedAt.UTC().Format(time.RFC3339))
}
