package sender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/sms-notifier/internal/domain"
	"github.com/kursadbilgin/sms-notifier/internal/observability"
	"github.com/kursadbilgin/sms-notifier/internal/ratelimit"
	"github.com/kursadbilgin/sms-notifier/internal/sms"
	"go.uber.org/zap"
)

const (
	DefaultFailureThreshold = 5
	DefaultFailureWindow    = 5 * time.Minute
	DefaultRateLimit        = 30
	DefaultRateWindow       = time.Minute

	maxAttemptDelay = 30 * time.Second

	ReasonCircuitOpen = "circuit open"
	ReasonRateLimited = "rate limited"
)

type Config struct {
	// FailureThreshold failed sends inside the failure window open the circuit.
	FailureThreshold int
	// RateLimit is the number of successful sends allowed inside the rate window.
	RateLimit int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	return c
}

// Stats is a point-in-time view of the sender guards.
type Stats struct {
	Provider           string `json:"provider"`
	Available          bool   `json:"available"`
	CircuitOpen        bool   `json:"circuitOpen"`
	RecentFailures     int    `json:"recentFailures"`
	FailureThreshold   int    `json:"failureThreshold"`
	RequestsLastMinute int    `json:"requestsLastMinute"`
	RateLimit          int    `json:"rateLimit"`
}

// ResilientSender guards a Gateway with a failure-count circuit breaker, a
// sliding-window rate limit and per-call retries. The windows are shared by
// every caller of the same sender.
type ResilientSender struct {
	gateway  sms.Gateway
	failures ratelimit.Window
	requests ratelimit.Window
	cfg      Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewResilientSender(
	gateway sms.Gateway,
	failures ratelimit.Window,
	requests ratelimit.Window,
	cfg Config,
	logger *zap.Logger,
) (*ResilientSender, error) {
	if gateway == nil {
		return nil, fmt.Errorf("sms gateway is required")
	}
	if failures == nil || requests == nil {
		return nil, fmt.Errorf("failure and request windows are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ResilientSender{
		gateway:  gateway,
		failures: failures,
		requests: requests,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
		sleep:    sleepWithContext,
	}, nil
}

func (s *ResilientSender) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *ResilientSender) ProviderName() string {
	return s.gateway.ProviderName()
}

// Send delivers message with up to maxAttempts gateway calls. Every failure is
// returned as a *domain.DeliveryError. A call that exhausts its attempts counts
// as a single failure towards the circuit breaker.
func (s *ResilientSender) Send(ctx context.Context, phone string, message string, maxAttempts int) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	provider := s.gateway.ProviderName()

	open, err := s.circuitOpen(ctx)
	if err != nil {
		return domain.NewDeliveryError("circuit state unavailable", err)
	}
	if open {
		s.metrics.IncSMSFailed(provider, "circuit_open")
		return domain.NewDeliveryError(ReasonCircuitOpen, nil)
	}

	recent, err := s.requests.Count(ctx, s.now())
	if err != nil {
		return domain.NewDeliveryError("rate limit state unavailable", err)
	}
	if recent >= s.cfg.RateLimit {
		s.metrics.IncSMSFailed(provider, "rate_limited")
		return domain.NewDeliveryError(ReasonRateLimited, nil)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := s.now()
		lastErr = s.gateway.SendSMS(ctx, phone, message)
		s.metrics.ObserveSMSSendDuration(provider, s.now().Sub(start))

		if lastErr == nil {
			s.onSuccess(ctx, provider)
			if attempt > 1 {
				s.logger.Info("sms sent after retry", zap.Int("attempt", attempt))
			}
			return nil
		}

		s.logger.Warn("sms attempt failed",
			zap.String("provider", provider),
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", maxAttempts),
			zap.Error(lastErr),
		)

		if attempt < maxAttempts {
			if err := s.sleep(ctx, attemptDelay(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	// A caller giving up says nothing about the provider.
	if errors.Is(lastErr, context.Canceled) {
		s.metrics.IncSMSFailed(provider, "canceled")
		return domain.NewDeliveryError(lastErr.Error(), lastErr)
	}

	if err := s.failures.Record(ctx, s.now()); err != nil {
		s.logger.Error("failed to record sender failure", zap.Error(err))
	}
	s.metrics.IncSMSFailed(provider, "gateway_error")
	if open, err := s.circuitOpen(ctx); err == nil {
		s.metrics.SetCircuitOpen(provider, open)
	}

	return domain.NewDeliveryError(lastErr.Error(), lastErr)
}

// IsAvailable is false while the circuit is open or the gateway reports itself down.
func (s *ResilientSender) IsAvailable(ctx context.Context) bool {
	open, err := s.circuitOpen(ctx)
	if err != nil {
		s.logger.Warn("failed to read circuit state", zap.Error(err))
		return false
	}
	if open {
		return false
	}
	return s.gateway.IsAvailable(ctx)
}

func (s *ResilientSender) Stats(ctx context.Context) (Stats, error) {
	now := s.now()

	failures, err := s.failures.Count(ctx, now)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count recent failures: %w", err)
	}
	requests, err := s.requests.Count(ctx, now)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count recent requests: %w", err)
	}

	open := failures >= s.cfg.FailureThreshold
	return Stats{
		Provider:           s.gateway.ProviderName(),
		Available:          !open && s.gateway.IsAvailable(ctx),
		CircuitOpen:        open,
		RecentFailures:     failures,
		FailureThreshold:   s.cfg.FailureThreshold,
		RequestsLastMinute: requests,
		RateLimit:          s.cfg.RateLimit,
	}, nil
}

func (s *ResilientSender) circuitOpen(ctx context.Context) (bool, error) {
	failures, err := s.failures.Count(ctx, s.now())
	if err != nil {
		return false, err
	}
	return failures >= s.cfg.FailureThreshold, nil
}

// onSuccess closes the circuit and spends one unit of rate budget. The message
// is already delivered, so bookkeeping errors are only logged.
func (s *ResilientSender) onSuccess(ctx context.Context, provider string) {
	if err := s.failures.Reset(ctx); err != nil {
		s.logger.Error("failed to reset sender failures", zap.Error(err))
	}
	if err := s.requests.Record(ctx, s.now()); err != nil {
		s.logger.Error("failed to record sender request", zap.Error(err))
	}
	s.metrics.IncSMSSent(provider)
	s.metrics.SetCircuitOpen(provider, false)
}

func attemptDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxAttemptDelay {
			return maxAttemptDelay
		}
	}
	return delay
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
