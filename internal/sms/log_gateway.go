package sms

import (
	"context"

	"go.uber.org/zap"
)

// LogGateway only logs outgoing messages. It stands in for a real provider in
// local environments.
type LogGateway struct {
	logger *zap.Logger
}

func NewLogGateway(logger *zap.Logger) *LogGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogGateway{logger: logger}
}

func (g *LogGateway) SendSMS(_ context.Context, phone string, message string) error {
	g.logger.Info("sms",
		zap.String("phone", phone),
		zap.String("message", message),
	)
	return nil
}

func (g *LogGateway) IsAvailable(context.Context) bool { return true }

func (g *LogGateway) ProviderName() string { return "log" }
