package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/sms-notifier/internal/app"
	"github.com/kursadbilgin/sms-notifier/internal/broker"
	"github.com/kursadbilgin/sms-notifier/internal/config"
	"github.com/kursadbilgin/sms-notifier/internal/handler"
	"github.com/kursadbilgin/sms-notifier/internal/observability"
	"github.com/kursadbilgin/sms-notifier/internal/transport"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("application initialization failed", zap.Error(err))
	}
	defer a.Close()

	books, closeBooks, err := bookPublisher(a)
	if err != nil {
		logger.Fatal("book event publisher initialization failed", zap.Error(err))
	}
	defer closeBooks()

	server := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	server.Use(recover.New())
	server.Use(requestid.New())
	server.Use(a.Metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(server, a.SQLDB, a.Redis)
	handler.RegisterMetricsRoute(server, a.Metrics)
	if err := handler.RegisterNotifierRoutes(server, handler.Services{
		Books:    books,
		Dispatch: a.Dispatcher,
		Queue:    a.Queue,
		Sender:   a.Sender,
	}); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()

	logger.Info("sms-notifier api started", zap.Int("port", cfg.APIPort))

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("api server stopped", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutting down api server")
		if err := server.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error("api server shutdown failed", zap.Error(err))
		}
	}
}

// bookPublisher hands book events to RabbitMQ when RABBITMQ_URL is set and
// otherwise runs the fanout inline.
func bookPublisher(a *app.App) (handler.BookEventPublisher, func(), error) {
	if strings.TrimSpace(a.Config.RabbitMQURL) == "" {
		a.Logger.Info("RABBITMQ_URL not set, book events fan out inline")
		return app.NewInlineBookPublisher(a.Fanout), func() {}, nil
	}

	client, err := broker.NewRabbitMQ(a.Config.RabbitMQURL)
	if err != nil {
		return nil, nil, err
	}

	publisher := broker.NewRabbitMQPublisher(client)
	return publisher, func() {
		if err := publisher.Close(); err != nil {
			a.Logger.Warn("failed to close rabbitmq publisher", zap.Error(err))
		}
	}, nil
}
