package sms

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	defaultBreakerFailures = 3
	defaultBreakerTimeout  = 30 * time.Second
)

type BreakerConfig struct {
	// ConsecutiveFailures of a transport kind that open the breaker.
	ConsecutiveFailures uint32
	// Timeout is how long the breaker stays open before a half-open probe.
	Timeout time.Duration
}

// ProtectedGateway wraps a Gateway with a transport-level circuit breaker.
// Only transient failures count against the breaker; a provider rejecting a
// message does not mean the provider is down.
type ProtectedGateway struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedGateway(gateway Gateway, cfg BreakerConfig, logger *zap.Logger) *ProtectedGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = defaultBreakerFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultBreakerTimeout
	}

	threshold := cfg.ConsecutiveFailures
	settings := gobreaker.Settings{
		Name:        gateway.ProviderName(),
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("gateway breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &ProtectedGateway{
		gateway: gateway,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

func (p *ProtectedGateway) SendSMS(ctx context.Context, phone string, message string) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.gateway.SendSMS(ctx, phone, message)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &ProviderError{
			Message:   p.gateway.ProviderName() + " transport breaker open",
			Transient: true,
			Cause:     err,
		}
	}
	return err
}

func (p *ProtectedGateway) IsAvailable(ctx context.Context) bool {
	if p.breaker.State() == gobreaker.StateOpen {
		return false
	}
	return p.gateway.IsAvailable(ctx)
}

func (p *ProtectedGateway) ProviderName() string {
	return p.gateway.ProviderName()
}

func (p *ProtectedGateway) State() gobreaker.State {
	return p.breaker.State()
}
