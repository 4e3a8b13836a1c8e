// Package alert fans a detected change out to every matching subscriber and
// keeps an audit record of each delivery attempt.
package alert

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-watch/internal/email"
	"github.com/JakeFAU/policy-watch/internal/policy"
	"github.com/JakeFAU/policy-watch/internal/routes"
)

// Preview caps used when Config leaves them unset.
const (
	DefaultPreviewChars = 1500
	DefaultPreviewLines = 40
)

// Sender delivers one email. *email.Service satisfies it.
type Sender interface {
	SendEmail(ctx context.Context, to, subject, html, text string) email.Result
	ProviderName() string
}

// Config controls rendering.
type Config struct {
	// PublicBaseURL prefixes the full-diff link; empty omits the link.
	PublicBaseURL   string
	PreviewMaxChars int
	PreviewMaxLines int
}

// Engine sends alerts for detected changes.
type Engine struct {
	changes policy.ChangeStore
	sources policy.SourceStore
	mapper  *routes.Mapper
	alerts  policy.AlertStore
	sender  Sender
	ids     policy.IDGenerator
	clock   policy.Clock
	cfg     Config
	logger  *zap.Logger
}

// NewEngine constructs an Engine.
func NewEngine(
	changes policy.ChangeStore,
	sources policy.SourceStore,
	mapper *routes.Mapper,
	alerts policy.AlertStore,
	sender Sender,
	ids policy.IDGenerator,
	clk policy.Clock,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PreviewMaxChars <= 0 {
		cfg.PreviewMaxChars = DefaultPreviewChars
	}
	if cfg.PreviewMaxLines <= 0 {
		cfg.PreviewMaxLines = DefaultPreviewLines
	}
	return &Engine{
		changes: changes,
		sources: sources,
		mapper:  mapper,
		alerts:  alerts,
		sender:  sender,
		ids:     ids,
		clock:   clk,
		cfg:     cfg,
		logger:  logger,
	}
}

// SendAlertsForChange notifies every active subscriber of the change's source.
// A missing change or source is returned as an error; per-recipient failures
// are reported in the result and never stop the fan-out.
func (e *Engine) SendAlertsForChange(ctx context.Context, changeID string) (policy.AlertResult, error) {
	res := policy.AlertResult{ChangeID: changeID, Errors: []string{}}

	change, err := e.changes.GetByID(ctx, changeID)
	if err != nil {
		return res, fmt.Errorf("load change %s: %w", changeID, err)
	}
	src, err := e.sources.GetByID(ctx, change.SourceID)
	if err != nil {
		return res, fmt.Errorf("load source %s: %w", change.SourceID, err)
	}
	subs, err := e.mapper.RoutesForSource(ctx, src)
	if err != nil {
		return res, fmt.Errorf("match routes: %w", err)
	}
	if len(subs) == 0 {
		e.logger.Info("no subscribers for change",
			zap.String("change_id", changeID), zap.String("source_id", src.ID))
		return res, nil
	}

	for _, route := range subs {
		res.RoutesNotified++
		sent, err := e.notify(ctx, change, src, route)
		if sent {
			res.EmailsSent++
		} else {
			res.EmailsFailed++
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("route %s: %v", route.ID, err))
		}
	}
	e.logger.Info("alerts dispatched",
		zap.String("change_id", changeID),
		zap.Int("routes_notified", res.RoutesNotified),
		zap.Int("emails_sent", res.EmailsSent),
		zap.Int("emails_failed", res.EmailsFailed))
	return res, nil
}

// notify renders, sends and audits one alert. sent reports delivery; err
// carries delivery or audit failures. Panics are converted to errors so a
// single recipient cannot break the loop.
func (e *Engine) notify(
	ctx context.Context,
	change policy.PolicyChange,
	src policy.Source,
	route policy.RouteSubscription,
) (sent bool, err error) {
	alertRec := policy.EmailAlert{
		ChangeID:       change.ID,
		SubscriptionID: route.ID,
		Provider:       e.sender.ProviderName(),
		Status:         policy.AlertStatusFailed,
	}
	defer func() {
		if r := recover(); r != nil {
			sent = false
			err = fmt.Errorf("alert delivery panicked: %v", r)
			e.logger.Error("alert delivery panicked",
				zap.String("change_id", change.ID),
				zap.String("subscription_id", route.ID),
				zap.Any("panic", r))
		}
		if err != nil {
			alertRec.Status = policy.AlertStatusFailed
			alertRec.ErrorMessage = err.Error()
		}
		if auditErr := e.audit(ctx, alertRec); auditErr != nil {
			err = errors.Join(err, auditErr)
		}
	}()

	msg, err := e.Render(change, src, route)
	if err != nil {
		return false, err
	}
	result := e.sender.SendEmail(ctx, route.Email, msg.Subject, msg.HTML, msg.Text)
	if !result.Success {
		return false, errors.New(result.Error)
	}
	alertRec.Status = policy.AlertStatusSent
	if result.MessageID != "" {
		id := result.MessageID
		alertRec.ProviderMessageID = &id
	}
	return true, nil
}

func (e *Engine) audit(ctx context.Context, rec policy.EmailAlert) error {
	id, err := e.ids.NewID()
	if err != nil {
		return fmt.Errorf("alert id: %w", err)
	}
	rec.ID = id
	rec.SentAt = e.clock.Now()
	if err := e.alerts.Create(ctx, rec); err != nil {
		e.logger.Error("alert audit write failed",
			zap.String("change_id", rec.ChangeID),
			zap.String("subscription_id", rec.SubscriptionID),
			zap.Error(err))
		return fmt.Errorf("record alert: %w", err)
	}
	return nil
}
