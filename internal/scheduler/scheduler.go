// Package scheduler runs batches of due sources through the pipeline, fans
// detected changes out to subscribers and feeds outcomes to the failure
// tracker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-watch/internal/metrics"
	"github.com/JakeFAU/policy-watch/internal/policy"
)

// Run selects which check frequencies a batch covers.
type Run string

// Batch kinds, one per cron trigger.
const (
	RunDaily  Run = "daily"
	RunWeekly Run = "weekly"
	RunCustom Run = "custom"
)

// ErrInactive is returned by RunSource for a deactivated source.
var ErrInactive = errors.New("source is not active")

// WeeklyInterval is the minimum age of the last check for weekly sources.
const WeeklyInterval = 7 * 24 * time.Hour

// ParseRun validates a batch kind name.
func ParseRun(s string) (Run, error) {
	switch r := Run(strings.ToLower(strings.TrimSpace(s))); r {
	case RunDaily, RunWeekly, RunCustom:
		return r, nil
	case "":
		return RunDaily, nil
	default:
		return "", fmt.Errorf("unknown run kind %q", s)
	}
}

// Processor runs one source through the pipeline.
type Processor interface {
	Process(ctx context.Context, sourceID string) policy.PipelineResult
}

// Alerter notifies subscribers of one change.
type Alerter interface {
	SendAlertsForChange(ctx context.Context, changeID string) (policy.AlertResult, error)
}

// FailureTracker records per-source outcomes. *breaker.Tracker satisfies it.
type FailureTracker interface {
	RecordFetchSuccess(ctx context.Context, sourceID string) error
	RecordFetchFailure(ctx context.Context, sourceID, errText string) (bool, error)
	RecordEmailSuccess(ctx context.Context, sourceID string) error
	RecordEmailFailure(ctx context.Context, sourceID, errText string) (bool, error)
}

// Config controls batch runs.
type Config struct {
	// BatchTimeout bounds a whole batch; zero means no limit.
	BatchTimeout time.Duration
}

// Scheduler owns batch and single-source runs.
type Scheduler struct {
	sources   policy.SourceStore
	processor Processor
	alerter   Alerter
	tracker   FailureTracker
	clock     policy.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Scheduler. alerter and tracker may be nil.
func New(
	sources policy.SourceStore,
	processor Processor,
	alerter Alerter,
	tracker FailureTracker,
	clk policy.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		sources:   sources,
		processor: processor,
		alerter:   alerter,
		tracker:   tracker,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
	}
}

// SourceRun is the outcome of one source's turn.
type SourceRun struct {
	Pipeline policy.PipelineResult `json:"pipeline"`
	Alerts   *policy.AlertResult   `json:"alerts,omitempty"`
	Errors   []string              `json:"errors"`
}

// Due reports whether src belongs in a batch of kind run at now.
func Due(src policy.Source, run Run, now time.Time) bool {
	freq := src.CheckFrequency
	if freq == "" {
		freq = policy.FrequencyDaily
	}
	switch run {
	case RunDaily:
		return freq == policy.FrequencyDaily
	case RunWeekly:
		return freq == policy.FrequencyWeekly && elapsed(src.LastCheckedAt, now, WeeklyInterval)
	case RunCustom:
		interval := src.CheckInterval()
		return freq == policy.FrequencyCustom && interval > 0 && elapsed(src.LastCheckedAt, now, interval)
	default:
		return false
	}
}

func elapsed(last *time.Time, now time.Time, interval time.Duration) bool {
	return last == nil || now.Sub(*last) >= interval
}

// RunBatch processes every active source due for run, one at a time. A
// failing or panicking source is recorded and the batch moves on.
func (s *Scheduler) RunBatch(ctx context.Context, run Run) policy.JobResult {
	res := policy.JobResult{StartedAt: s.clock.Now(), Errors: []string{}}
	start := time.Now()
	logger := s.logger.With(zap.String("run", string(run)))

	if s.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.BatchTimeout)
		defer cancel()
	}

	active, err := s.sources.ListActive(ctx)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("list active sources: %v", err))
		res.CompletedAt = s.clock.Now()
		logger.Error("batch aborted", zap.Error(err))
		return res
	}
	var due []policy.Source
	for _, src := range active {
		if Due(src, run, res.StartedAt) {
			due = append(due, src)
		}
	}
	logger.Info("batch started", zap.Int("active", len(active)), zap.Int("due", len(due)))

	for i, src := range due {
		if err := ctx.Err(); err != nil {
			for _, skipped := range due[i:] {
				res.Errors = append(res.Errors, fmt.Sprintf("source %s skipped: %v", skipped.ID, err))
			}
			logger.Warn("batch deadline reached", zap.Int("skipped", len(due)-i))
			break
		}
		out := s.runSource(ctx, src.ID)
		res.SourcesProcessed++
		if out.Pipeline.Success {
			res.SourcesSucceeded++
		} else {
			res.SourcesFailed++
		}
		if out.Pipeline.ChangeDetected {
			res.ChangesDetected++
		}
		if out.Alerts != nil {
			res.AlertsSent += out.Alerts.EmailsSent
			res.AlertsFailed += out.Alerts.EmailsFailed
		}
		for _, msg := range out.Errors {
			res.Errors = append(res.Errors, fmt.Sprintf("source %s: %s", src.ID, msg))
		}
	}

	res.CompletedAt = s.clock.Now()
	metrics.ObserveBatch(time.Since(start), res.SourcesSucceeded, res.SourcesFailed)
	logger.Info("batch completed",
		zap.Int("processed", res.SourcesProcessed),
		zap.Int("succeeded", res.SourcesSucceeded),
		zap.Int("failed", res.SourcesFailed),
		zap.Int("changes", res.ChangesDetected),
		zap.Int("alerts_sent", res.AlertsSent),
		zap.Int("alerts_failed", res.AlertsFailed),
		zap.Duration("duration", time.Since(start)))
	return res
}

// RunSource processes a single source on demand, whatever its frequency.
func (s *Scheduler) RunSource(ctx context.Context, sourceID string) (SourceRun, error) {
	src, err := s.sources.GetByID(ctx, sourceID)
	if err != nil {
		return SourceRun{}, fmt.Errorf("load source %s: %w", sourceID, err)
	}
	if !src.IsActive {
		return SourceRun{}, fmt.Errorf("source %s: %w", sourceID, ErrInactive)
	}
	return s.runSource(ctx, sourceID), nil
}

// Stages of a source turn, used to charge a panic to the right counter.
const (
	stageFetch  = "fetch"
	stageAlerts = "alerts"
)

// runSource never panics. A panic while processing counts as a fetch failure;
// a panic while alerting counts as an email failure.
func (s *Scheduler) runSource(ctx context.Context, sourceID string) (out SourceRun) {
	out = SourceRun{Pipeline: policy.PipelineResult{SourceID: sourceID}, Errors: []string{}}
	stage := stageFetch
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("unexpected panic: %v", r)
			s.logger.Error("source turn panicked",
				zap.String("source_id", sourceID),
				zap.String("stage", stage),
				zap.Any("panic", r))
			if stage == stageFetch {
				out.Pipeline.Success = false
				out.Pipeline.ChangeDetected = false
				out.Pipeline.ErrorMessage = msg
			}
			out.Errors = append(out.Errors, msg)
			s.recordPanic(ctx, sourceID, stage, errors.New(msg))
		}
	}()

	out.Pipeline = s.processor.Process(ctx, sourceID)
	if !out.Pipeline.Success {
		out.Errors = append(out.Errors, out.Pipeline.ErrorMessage)
		s.recordFetch(ctx, sourceID, errors.New(out.Pipeline.ErrorMessage))
		return out
	}
	s.recordFetch(ctx, sourceID, nil)

	if !out.Pipeline.ChangeDetected || s.alerter == nil {
		return out
	}
	stage = stageAlerts
	alerts, err := s.alerter.SendAlertsForChange(ctx, out.Pipeline.ChangeID)
	out.Alerts = &alerts
	out.Errors = append(out.Errors, alerts.Errors...)
	switch {
	case err != nil:
		out.Errors = append(out.Errors, fmt.Sprintf("alerts: %v", err))
		s.recordEmail(ctx, sourceID, err)
	case alerts.EmailsFailed > 0:
		s.recordEmail(ctx, sourceID, fmt.Errorf("%d of %d alert emails failed: %s",
			alerts.EmailsFailed, alerts.RoutesNotified, strings.Join(alerts.Errors, "; ")))
	case alerts.EmailsSent > 0:
		s.recordEmail(ctx, sourceID, nil)
	}
	return out
}

// recordPanic charges a panicked turn to the counter of the stage that was
// running. A tracker that panics again is logged and skipped.
func (s *Scheduler) recordPanic(ctx context.Context, sourceID, stage string, failure error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("failure tracking panicked", zap.String("source_id", sourceID), zap.Any("panic", r))
		}
	}()
	if stage == stageAlerts {
		s.recordEmail(ctx, sourceID, failure)
		return
	}
	s.recordFetch(ctx, sourceID, failure)
}

func (s *Scheduler) recordFetch(ctx context.Context, sourceID string, failure error) {
	if s.tracker == nil {
		return
	}
	var err error
	if failure == nil {
		err = s.tracker.RecordFetchSuccess(ctx, sourceID)
	} else {
		_, err = s.tracker.RecordFetchFailure(ctx, sourceID, failure.Error())
	}
	if err != nil {
		s.logger.Warn("fetch failure tracking failed", zap.String("source_id", sourceID), zap.Error(err))
	}
}

func (s *Scheduler) recordEmail(ctx context.Context, sourceID string, failure error) {
	if s.tracker == nil {
		return
	}
	var err error
	if failure == nil {
		err = s.tracker.RecordEmailSuccess(ctx, sourceID)
	} else {
		_, err = s.tracker.RecordEmailFailure(ctx, sourceID, failure.Error())
	}
	if err != nil {
		s.logger.Warn("email failure tracking failed", zap.String("source_id", sourceID), zap.Error(err))
	}
}
