package email

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-watch/internal/clock"
	"github.com/JakeFAU/policy-watch/internal/metrics"
	"github.com/JakeFAU/policy-watch/internal/policy"
	"github.com/JakeFAU/policy-watch/internal/ratelimit"
	"github.com/JakeFAU/policy-watch/internal/retry"
)

// Defaults applied by NewService.
const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = time.Second
	DefaultDailyLimit     = 100
	DefaultMonthlyLimit   = 3000
)

var (
	// ErrInvalidRecipient is returned for malformed recipient addresses.
	ErrInvalidRecipient = errors.New("invalid recipient address")
	// ErrBudgetExceeded is returned when the daily or monthly budget is spent.
	ErrBudgetExceeded = errors.New("email budget exceeded")
)

// Config controls the Service.
type Config struct {
	From string
	// DailyLimit and MonthlyLimit cap successful sends; zero selects defaults
	// and a negative value disables the cap.
	DailyLimit   int
	MonthlyLimit int
	// MaxRetries is the number of provider retries after the first attempt.
	MaxRetries int
	// InitialBackoff doubles after every failed attempt; negative disables waiting.
	InitialBackoff time.Duration
	// SendsPerSecond paces provider calls; zero disables pacing.
	SendsPerSecond float64
}

// Result is the outcome of one SendEmail call.
type Result struct {
	Success   bool
	MessageID string
	Error     string
	Attempts  int
	Err       error
}

// Usage is a snapshot of the current budget counters.
type Usage struct {
	Day          int `json:"day"`
	Month        int `json:"month"`
	DailyLimit   int `json:"daily_limit"`
	MonthlyLimit int `json:"monthly_limit"`
}

// Service wraps a Provider with validation, budgets, pacing and retries.
type Service struct {
	provider Provider
	clock    policy.Clock
	limiter  *ratelimit.Limiter
	cfg      Config
	logger   *zap.Logger

	mu         sync.Mutex
	dayStart   time.Time
	monthStart time.Time
	dayCount   int
	monthCount int
}

// NewService constructs a Service.
func NewService(provider Provider, clk policy.Clock, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.DailyLimit == 0 {
		cfg.DailyLimit = DefaultDailyLimit
	}
	if cfg.MonthlyLimit == 0 {
		cfg.MonthlyLimit = DefaultMonthlyLimit
	}
	now := clk.Now()
	return &Service{
		provider:   provider,
		clock:      clk,
		limiter:    ratelimit.New(ratelimit.Config{DefaultRPS: cfg.SendsPerSecond, DefaultBurst: 1}),
		cfg:        cfg,
		logger:     logger,
		dayStart:   clock.StartOfDay(now),
		monthStart: clock.StartOfMonth(now),
	}
}

// ProviderName returns the configured provider's name.
func (s *Service) ProviderName() string {
	return s.provider.Name()
}

// SendEmail sends with the configured retry count.
func (s *Service) SendEmail(ctx context.Context, to, subject, html, text string) Result {
	return s.SendEmailWithRetries(ctx, to, subject, html, text, s.cfg.MaxRetries)
}

// SendEmailWithRetries validates the recipient, checks the budget and calls
// the provider once plus up to maxRetries retries, backing off exponentially
// on transient failures.
func (s *Service) SendEmailWithRetries(ctx context.Context, to, subject, html, text string, maxRetries int) Result {
	masked := MaskAddress(to)
	logger := s.logger.With(zap.String("recipient", masked))

	if err := ValidateAddress(to); err != nil {
		logger.Warn("rejecting email", zap.Error(err))
		metrics.ObserveEmail("rejected")
		return failure(err, 0)
	}
	if err := s.checkBudget(); err != nil {
		logger.Warn("email budget exhausted", zap.Error(err))
		metrics.ObserveEmail("budget_exceeded")
		return failure(err, 0)
	}

	msg := Message{From: s.cfg.From, To: strings.TrimSpace(to), Subject: subject, HTML: html, Text: text}

	var messageID string
	attempts, err := s.retryPolicy(maxRetries).Do(ctx,
		func(ctx context.Context, attempt int) error {
			if err := s.limiter.Wait(ctx, s.provider.Name()); err != nil {
				return err
			}
			id, err := s.provider.Send(ctx, msg)
			if err != nil {
				return err
			}
			messageID = id
			return nil
		},
		func(attempt int, err error, wait time.Duration) {
			logger.Info("retrying email send",
				zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		})
	if err != nil {
		logger.Error("email send failed", zap.Int("attempts", attempts), zap.Error(err))
		metrics.ObserveEmail("failed")
		return failure(fmt.Errorf("send failed after %d attempt(s): %w", attempts, err), attempts)
	}

	s.recordSend()
	metrics.ObserveEmail("sent")
	logger.Info("email sent", zap.String("message_id", messageID), zap.Int("attempts", attempts))
	return Result{Success: true, MessageID: messageID, Attempts: attempts}
}

// retryPolicy allows maxRetries retries after the first attempt, so the
// default of 3 waits 1s, 2s and 4s.
func (s *Service) retryPolicy(maxRetries int) *retry.ExponentialPolicy {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	cfg := retry.Config{MaxAttempts: maxRetries + 1, InitialDelay: s.cfg.InitialBackoff, Factor: 2}
	return retry.NewExponentialPolicy(cfg, IsRetryable)
}

// Usage returns the current budget counters.
func (s *Service) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollover()
	return Usage{
		Day:          s.dayCount,
		Month:        s.monthCount,
		DailyLimit:   s.cfg.DailyLimit,
		MonthlyLimit: s.cfg.MonthlyLimit,
	}
}

func (s *Service) checkBudget() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollover()
	if s.cfg.DailyLimit > 0 && s.dayCount >= s.cfg.DailyLimit {
		return fmt.Errorf("%w: daily limit %d reached", ErrBudgetExceeded, s.cfg.DailyLimit)
	}
	if s.cfg.MonthlyLimit > 0 && s.monthCount >= s.cfg.MonthlyLimit {
		return fmt.Errorf("%w: monthly limit %d reached", ErrBudgetExceeded, s.cfg.MonthlyLimit)
	}
	return nil
}

func (s *Service) recordSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollover()
	s.dayCount++
	s.monthCount++
}

// rollover resets counters at midnight and at the start of a month. Callers
// hold s.mu.
func (s *Service) rollover() {
	now := s.clock.Now()
	if day := clock.StartOfDay(now); day.After(s.dayStart) {
		s.dayStart = day
		s.dayCount = 0
	}
	if month := clock.StartOfMonth(now); month.After(s.monthStart) {
		s.monthStart = month
		s.monthCount = 0
	}
}

// ValidateAddress accepts a bare addr-spec with a dotted domain.
func ValidateAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRecipient)
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Address != addr || parsed.Name != "" {
		return fmt.Errorf("%w: %s", ErrInvalidRecipient, MaskAddress(addr))
	}
	_, domain, _ := strings.Cut(addr, "@")
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return fmt.Errorf("%w: %s", ErrInvalidRecipient, MaskAddress(addr))
	}
	return nil
}

func failure(err error, attempts int) Result {
	return Result{Error: err.Error(), Attempts: attempts, Err: err}
}
