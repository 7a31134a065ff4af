package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kursadbilgin/sms-notifier/internal/app"
	"github.com/kursadbilgin/sms-notifier/internal/broker"
	"github.com/kursadbilgin/sms-notifier/internal/config"
	"github.com/kursadbilgin/sms-notifier/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

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

	scheduler, err := a.NewScheduler()
	if err != nil {
		logger.Fatal("scheduler initialization failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scheduler.Start(ctx)
	})

	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		client, err := broker.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			logger.Fatal("rabbitmq initialization failed", zap.Error(err))
		}
		consumer := broker.NewRabbitMQConsumer(client, a.Fanout, cfg.ConsumerPrefetch, logger)
		defer consumer.Close() //nolint:errcheck

		g.Go(func() error {
			return consumer.Consume(ctx)
		})
	} else {
		logger.Info("RABBITMQ_URL not set, book.published consumer disabled")
	}

	g.Go(func() error {
		return serveMetrics(ctx, a.Metrics, cfg.MetricsPort, logger)
	})

	logger.Info("sms-notifier worker started",
		zap.String("provider", a.Sender.ProviderName()),
		zap.Int("metricsPort", cfg.MetricsPort),
	)

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
		return
	}
	logger.Info("worker stopped")
}

func serveMetrics(ctx context.Context, metrics *observability.Metrics, port int, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
		return nil
	}
}
