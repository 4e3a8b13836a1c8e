// Package pipeline drives a single source through fetch, normalize, version
// storage and change detection.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-watch/internal/changes"
	"github.com/JakeFAU/policy-watch/internal/fetcher"
	hashsha "github.com/JakeFAU/policy-watch/internal/hash/sha256"
	"github.com/JakeFAU/policy-watch/internal/metrics"
	"github.com/JakeFAU/policy-watch/internal/normalize"
	"github.com/JakeFAU/policy-watch/internal/policy"
	"github.com/JakeFAU/policy-watch/internal/ratelimit"
	"github.com/JakeFAU/policy-watch/internal/retry"
	"github.com/JakeFAU/policy-watch/internal/worker"
)

// Fetch metadata keys recorded on stored versions.
const (
	MetaFetcher     = "fetcher"
	MetaContentType = "content_type"
	MetaRawLength   = "raw_length"
	MetaAttempts    = "attempts"
	MetaArchiveURI  = "archive_uri"
)

// Config controls Orchestrator behavior.
type Config struct {
	Retry retry.Config
	// ArchivePrefix is the blob path prefix for raw snapshots.
	ArchivePrefix string
	// HostRPS paces fetch attempts per host; zero disables pacing.
	HostRPS   float64
	HostBurst int
}

// Orchestrator runs the per-source state machine.
type Orchestrator struct {
	sources    policy.SourceStore
	registry   *fetcher.Registry
	normalizer *normalize.Normalizer
	tracker    *changes.Tracker
	pool       *worker.Pool
	archive    policy.BlobStore
	clock      policy.Clock
	retry      *retry.ExponentialPolicy
	hosts      *ratelimit.Limiter
	cfg        Config
	logger     *zap.Logger
}

// New constructs an Orchestrator. archive may be nil to disable raw snapshot
// archiving.
func New(
	sources policy.SourceStore,
	registry *fetcher.Registry,
	normalizer *normalize.Normalizer,
	tracker *changes.Tracker,
	pool *worker.Pool,
	archive policy.BlobStore,
	clk policy.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pool == nil {
		pool = worker.NewPool(worker.DefaultSize, logger)
	}
	return &Orchestrator{
		sources:    sources,
		registry:   registry,
		normalizer: normalizer,
		tracker:    tracker,
		pool:       pool,
		archive:    archive,
		clock:      clk,
		retry:      retry.NewExponentialPolicy(cfg.Retry, policy.IsRetryableFetch),
		hosts:      ratelimit.New(ratelimit.Config{DefaultRPS: cfg.HostRPS, DefaultBurst: cfg.HostBurst}),
		cfg:        cfg,
		logger:     logger,
	}
}

// fetched is the result of a successful fetch stage.
type fetched struct {
	result   policy.FetchResult
	fetcher  string
	attempts int
	duration time.Duration
}

// Process runs one source to completion. Failures are reported in the result;
// a source never leaves the pipeline in a partial state.
func (o *Orchestrator) Process(ctx context.Context, sourceID string) policy.PipelineResult {
	res := o.process(ctx, sourceID)
	metrics.ObservePipeline(res.Success, res.ChangeDetected)
	if !res.Success {
		o.logger.Warn("source processing failed",
			zap.String("source_id", sourceID), zap.String("error", res.ErrorMessage))
	}
	return res
}

func (o *Orchestrator) process(ctx context.Context, sourceID string) policy.PipelineResult {
	res := policy.PipelineResult{SourceID: sourceID, FetchedAt: o.clock.Now()}

	src, err := o.sources.GetByID(ctx, sourceID)
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			return fail(res, fmt.Errorf("source %s not found", sourceID))
		}
		return fail(res, fmt.Errorf("load source: %w", err))
	}
	if !src.IsActive {
		return fail(res, fmt.Errorf("source %s is not active", sourceID))
	}

	reg, err := o.registry.Select(src)
	if err != nil {
		return fail(res, err)
	}

	f, err := o.fetch(ctx, src, reg)
	if err != nil {
		return fail(res, err)
	}
	if !f.result.FetchedAt.IsZero() {
		res.FetchedAt = f.result.FetchedAt.UTC()
	}
	if strings.TrimSpace(f.result.RawText) == "" {
		return fail(res, errors.New("fetcher returned empty content"))
	}

	text := o.normalizer.Normalize(f.result.RawText, src.Metadata)
	if text == "" {
		return fail(res, errors.New("content is empty after normalization"))
	}

	meta := versionMetadata(f)
	if uri := o.archiveRaw(ctx, src.ID, f.result); uri != "" {
		meta[MetaArchiveURI] = uri
	}

	outcome, err := o.tracker.StoreVersion(ctx, changes.VersionInput{
		SourceID:       src.ID,
		NormalizedText: text,
		FetchedAt:      res.FetchedAt,
		FetchDuration:  f.duration,
		FetchMetadata:  meta,
	})
	res.VersionID = outcome.Version.ID
	if err != nil {
		return fail(res, fmt.Errorf("store version: %w", err))
	}

	var changedAt *time.Time
	if outcome.ChangeDetected() {
		res.ChangeDetected = true
		res.ChangeID = outcome.Change.ID
		detected := outcome.Change.DetectedAt
		changedAt = &detected
	}
	o.touch(ctx, src.ID, res.FetchedAt, changedAt)

	res.Success = true
	o.logger.Info("source processed",
		zap.String("source_id", src.ID),
		zap.String("version_id", res.VersionID),
		zap.Bool("new_version", outcome.Created),
		zap.Bool("change_detected", res.ChangeDetected),
		zap.String("change_id", res.ChangeID))
	return res
}

// fetch runs the selected fetcher on the worker pool under the retry policy.
// An unsuccessful FetchResult becomes a *policy.FetchError so the classifier
// can see its status code.
func (o *Orchestrator) fetch(ctx context.Context, src policy.Source, reg fetcher.Registration) (fetched, error) {
	start := time.Now()
	var last policy.FetchResult
	attempts, err := o.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := o.hosts.WaitURL(ctx, src.URL); err != nil {
			return err
		}
		metrics.IncActiveFetches()
		defer metrics.DecActiveFetches()
		result, err := worker.Submit(ctx, o.pool, reg.Name, func(ctx context.Context) (policy.FetchResult, error) {
			return reg.Fetch(ctx, src.URL, src.Metadata), nil
		})
		if err != nil {
			if errors.Is(err, worker.ErrPanic) {
				return &policy.PermanentError{Err: err}
			}
			return err
		}
		last = result
		if !result.Success {
			msg := result.ErrorMessage
			if msg == "" {
				msg = "fetcher reported failure"
			}
			return &policy.FetchError{StatusCode: result.StatusCode, Message: msg}
		}
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		o.logger.Info("retrying fetch",
			zap.String("source_id", src.ID),
			zap.String("fetcher", reg.Name),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	duration := time.Since(start)
	metrics.ObserveFetch(reg.Name, src.URL, err == nil, len(last.RawText), duration)
	if err != nil {
		return fetched{}, fmt.Errorf("fetch %s with %s after %d attempt(s): %w", src.URL, reg.Name, attempts, err)
	}
	return fetched{result: last, fetcher: reg.Name, attempts: attempts, duration: duration}, nil
}

func versionMetadata(f fetched) map[string]any {
	meta := make(map[string]any, len(f.result.Metadata)+4)
	for k, v := range f.result.Metadata {
		meta[k] = v
	}
	meta[MetaFetcher] = f.fetcher
	meta[MetaContentType] = f.result.ContentType
	meta[MetaRawLength] = len(f.result.RawText)
	meta[MetaAttempts] = f.attempts
	return meta
}

// archiveRaw stores the pre-normalization text. Failures are logged only.
func (o *Orchestrator) archiveRaw(ctx context.Context, sourceID string, result policy.FetchResult) string {
	if o.archive == nil {
		return ""
	}
	path := o.archivePath(sourceID, hashsha.SumString(result.RawText))
	uri, err := o.archive.PutObject(ctx, path, "text/plain; charset=utf-8", strings.NewReader(result.RawText))
	if err != nil {
		o.logger.Warn("raw snapshot archive failed",
			zap.String("source_id", sourceID), zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func (o *Orchestrator) archivePath(sourceID, hash string) string {
	prefix := strings.Trim(o.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.txt", sourceID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.txt", prefix, sourceID, hash)
}

// touch stamps last_checked_at and, when set, last_change_at. Only successful
// runs are stamped, so last_checked_at is the last good check.
func (o *Orchestrator) touch(ctx context.Context, sourceID string, checkedAt time.Time, changedAt *time.Time) {
	patch := policy.SourcePatch{LastCheckedAt: &checkedAt, LastChangeAt: changedAt}
	if err := o.sources.Update(ctx, sourceID, patch); err != nil {
		o.logger.Warn("source bookkeeping update failed", zap.String("source_id", sourceID), zap.Error(err))
	}
}

func fail(res policy.PipelineResult, err error) policy.PipelineResult {
	res.Success = false
	res.ChangeDetected = false
	res.ChangeID = ""
	res.ErrorMessage = err.Error()
	return res
}
