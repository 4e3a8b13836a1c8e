// Package breaker tracks consecutive fetch and email failures per source and
// notifies an operator when a failure streak reaches the threshold, then again
// at a configurable cadence while the streak continues.
package breaker

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-watch/internal/email"
	"github.com/JakeFAU/policy-watch/internal/metrics"
	"github.com/JakeFAU/policy-watch/internal/policy"
)

const (
	// DefaultThreshold is the streak length that triggers a notification.
	DefaultThreshold = 3
	// MaxErrorLength bounds the stored error text, in runes.
	MaxErrorLength = 500
)

// Kind names an independent failure counter.
type Kind string

// Failure kinds.
const (
	KindFetch Kind = "fetch"
	KindEmail Kind = "email"
)

// Notifier delivers operator notifications. *email.Service satisfies it.
type Notifier interface {
	SendEmail(ctx context.Context, to, subject, html, text string) email.Result
}

// Config controls the Tracker.
type Config struct {
	Threshold int
	// RenotifyEvery is the number of further failures between repeat
	// notifications. Zero uses Threshold; 1 notifies on every failure at or
	// above the threshold.
	RenotifyEvery int
	OperatorEmail string
}

// Tracker owns the failure counters stored on each source.
type Tracker struct {
	sources  policy.SourceStore
	notifier Notifier
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Tracker. notifier may be nil, in which case threshold
// crossings are only logged.
func New(sources policy.SourceStore, notifier Notifier, cfg Config, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.RenotifyEvery <= 0 {
		cfg.RenotifyEvery = cfg.Threshold
	}
	return &Tracker{sources: sources, notifier: notifier, cfg: cfg, logger: logger}
}

// RecordFetchSuccess resets the fetch counter and clears the last fetch error.
func (t *Tracker) RecordFetchSuccess(ctx context.Context, sourceID string) error {
	return t.reset(ctx, sourceID, KindFetch)
}

// RecordEmailSuccess resets the email counter and clears the last email error.
func (t *Tracker) RecordEmailSuccess(ctx context.Context, sourceID string) error {
	return t.reset(ctx, sourceID, KindEmail)
}

// RecordFetchFailure increments the fetch counter. notified reports whether
// an operator notification was attempted.
func (t *Tracker) RecordFetchFailure(ctx context.Context, sourceID, errText string) (bool, error) {
	return t.fail(ctx, sourceID, KindFetch, errText)
}

// RecordEmailFailure increments the email counter.
func (t *Tracker) RecordEmailFailure(ctx context.Context, sourceID, errText string) (bool, error) {
	return t.fail(ctx, sourceID, KindEmail, errText)
}

// ShouldNotify reports whether a streak of count failures triggers a
// notification: at the threshold and then every renotifyEvery failures.
// A non-positive renotifyEvery repeats at multiples of the threshold.
func ShouldNotify(count, threshold, renotifyEvery int) bool {
	if threshold <= 0 || count < threshold {
		return false
	}
	if renotifyEvery <= 0 {
		renotifyEvery = threshold
	}
	return (count-threshold)%renotifyEvery == 0
}

func (t *Tracker) reset(ctx context.Context, sourceID string, kind Kind) error {
	zero, empty := 0, ""
	patch := policy.SourcePatch{}
	switch kind {
	case KindFetch:
		patch.ConsecutiveFetchFailures, patch.LastFetchError = &zero, &empty
	case KindEmail:
		patch.ConsecutiveEmailFailures, patch.LastEmailError = &zero, &empty
	}
	if err := t.sources.Update(ctx, sourceID, patch); err != nil {
		return fmt.Errorf("reset %s failures for %s: %w", kind, sourceID, err)
	}
	return nil
}

func (t *Tracker) fail(ctx context.Context, sourceID string, kind Kind, errText string) (bool, error) {
	src, err := t.sources.GetByID(ctx, sourceID)
	if err != nil {
		return false, fmt.Errorf("load source %s: %w", sourceID, err)
	}
	errText = Truncate(errText, MaxErrorLength)

	var count int
	patch := policy.SourcePatch{}
	switch kind {
	case KindFetch:
		count = src.ConsecutiveFetchFailures + 1
		src.ConsecutiveFetchFailures, src.LastFetchError = count, errText
		patch.ConsecutiveFetchFailures, patch.LastFetchError = &count, &errText
	case KindEmail:
		count = src.ConsecutiveEmailFailures + 1
		src.ConsecutiveEmailFailures, src.LastEmailError = count, errText
		patch.ConsecutiveEmailFailures, patch.LastEmailError = &count, &errText
	}
	if err := t.sources.Update(ctx, sourceID, patch); err != nil {
		return false, fmt.Errorf("record %s failure for %s: %w", kind, sourceID, err)
	}
	t.logger.Warn("consecutive failure recorded",
		zap.String("source_id", sourceID),
		zap.String("kind", string(kind)),
		zap.Int("count", count),
		zap.String("error", errText))

	if !ShouldNotify(count, t.cfg.Threshold, t.cfg.RenotifyEvery) {
		return false, nil
	}
	metrics.ObserveBreakerTrip(string(kind))
	t.notify(ctx, src, kind, count, errText)
	return true, nil
}

// notify never fails the caller; delivery problems are logged.
func (t *Tracker) notify(ctx context.Context, src policy.Source, kind Kind, count int, errText string) {
	logger := t.logger.With(zap.String("source_id", src.ID), zap.String("kind", string(kind)), zap.Int("count", count))
	if t.cfg.OperatorEmail == "" {
		logger.Warn("failure threshold reached but no operator email is configured")
		return
	}
	if t.notifier == nil {
		logger.Warn("failure threshold reached but email delivery is unavailable")
		return
	}
	subject, text := Message(src, kind, count, errText)
	body := "<pre>" + html.EscapeString(text) + "</pre>"
	res := t.notifier.SendEmail(ctx, t.cfg.OperatorEmail, subject, body, text)
	if !res.Success {
		logger.Warn("operator notification failed", zap.String("error", res.Error))
		return
	}
	logger.Info("operator notified", zap.String("message_id", res.MessageID))
}

// Message renders the operator notification subject and text body.
func Message(src policy.Source, kind Kind, count int, errText string) (string, string) {
	subject := fmt.Sprintf("[policy-watch] %s: %d consecutive %s failures", src.DisplayName(), count, kind)
	lastOK := "never"
	if src.LastCheckedAt != nil {
		lastOK = src.LastCheckedAt.UTC().Format(time.RFC3339)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Source %s has failed %d times in a row (%s).\n\n", src.DisplayName(), count, kind)
	fmt.Fprintf(&b, "Source ID: %s\n", src.ID)
	fmt.Fprintf(&b, "URL: %s\n", src.URL)
	fmt.Fprintf(&b, "Country: %s\n", strings.ToUpper(src.CountryCode))
	fmt.Fprintf(&b, "Visa type: %s\n", src.VisaType)
	fmt.Fprintf(&b, "Failure count: %d\n", count)
	fmt.Fprintf(&b, "Last error: %s\n", errText)
	fmt.Fprintf(&b, "Last successful check: %s\n", lastOK)
	return subject, b.String()
}

// Truncate caps s at max runes, marking the cut with "...".
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	const ellipsis = "..."
	r := []rune(s)
	if max <= len(ellipsis) {
		return string(r[:max])
	}
	return string(r[:max-len(ellipsis)]) + ellipsis
}
