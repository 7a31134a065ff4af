package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kursadbilgin/sms-notifier/internal/config"
	"github.com/kursadbilgin/sms-notifier/internal/domain"
	"github.com/kursadbilgin/sms-notifier/internal/infra/postgresql"
	"github.com/kursadbilgin/sms-notifier/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/sms-notifier/internal/infra/redis"
	"github.com/kursadbilgin/sms-notifier/internal/observability"
	"github.com/kursadbilgin/sms-notifier/internal/ratelimit"
	"github.com/kursadbilgin/sms-notifier/internal/repository"
	"github.com/kursadbilgin/sms-notifier/internal/sender"
	"github.com/kursadbilgin/sms-notifier/internal/service"
	"github.com/kursadbilgin/sms-notifier/internal/sms"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	failureWindowName = "failures"
	requestWindowName = "requests"
)

// App holds the wired notifier components shared by the api, worker and CLI
// binaries.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	DB    *gorm.DB
	SQLDB *sql.DB
	// Redis is nil when REDIS_URL is unset; sender windows are then kept in
	// process memory and dispatch runs are not locked across instances.
	Redis *goredis.Client

	Gateway    *sms.ProtectedGateway
	Sender     *sender.ResilientSender
	Queue      *service.NotificationQueue
	Dispatcher *service.Dispatcher
	Fanout     *service.Fanout

	closers []func() error
}

// New connects to Postgres (running migrations) and Redis when configured and
// wires the sending pipeline. Close releases everything New opened.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
	}

	if err := a.connect(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func (a *App) connect() error {
	db, err := postgresql.NewPostgres(a.Config.DatabaseDSN, postgresql.PoolConfig{})
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	a.DB = db

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	a.SQLDB = sqlDB
	a.closers = append(a.closers, sqlDB.Close)

	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}

	if strings.TrimSpace(a.Config.RedisURL) == "" {
		a.Logger.Warn("REDIS_URL not set, sender state is kept in memory")
		return nil
	}

	rdb, err := infraredis.NewRedis(a.Config.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	a.Redis = rdb
	a.closers = append(a.closers, rdb.Close)

	return nil
}

func (a *App) wire() error {
	cfg := a.Config

	gateway, err := newGateway(cfg, a.Logger)
	if err != nil {
		return err
	}
	a.Gateway = sms.NewProtectedGateway(gateway, sms.BreakerConfig{
		ConsecutiveFailures: uint32(max(cfg.BreakerFailures, 1)),
		Timeout:             cfg.BreakerTimeout,
	}, a.Logger)

	failures, requests, err := a.windows()
	if err != nil {
		return err
	}

	a.Sender, err = sender.NewResilientSender(a.Gateway, failures, requests, sender.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		RateLimit:        cfg.RateLimitPerWindow,
	}, a.Logger)
	if err != nil {
		return err
	}
	a.Sender.SetMetrics(a.Metrics)

	policy, err := cfg.RetryPolicy()
	if err != nil {
		return err
	}

	a.Queue, err = service.NewNotificationQueue(repository.NewGormNotificationRepo(a.DB), policy, cfg.MaxRetries, a.Logger)
	if err != nil {
		return err
	}
	a.Queue.SetMetrics(a.Metrics)

	a.Dispatcher, err = service.NewDispatcher(a.Queue, a.Sender, a.Logger)
	if err != nil {
		return err
	}
	a.Dispatcher.SetAuditing(repository.NewGormAttemptRepo(a.DB), repository.NewGormRunRepo(a.DB))
	a.Dispatcher.SetMetrics(a.Metrics)

	if a.Redis != nil {
		locker, err := infraredis.NewLocker(a.Redis, cfg.ProcessingLease)
		if err != nil {
			return err
		}
		a.Dispatcher.SetLocker(locker)
	}

	a.Fanout, err = service.NewFanout(repository.NewGormStore(a.DB), a.Queue, cfg.SMSMaxLength, a.Logger)
	if err != nil {
		return err
	}
	a.Fanout.SetMetrics(a.Metrics)

	return nil
}

func (a *App) windows() (ratelimit.Window, ratelimit.Window, error) {
	cfg := a.Config

	if a.Redis == nil {
		return ratelimit.NewSlidingWindow(cfg.CircuitFailureWindow), ratelimit.NewSlidingWindow(cfg.RateLimitWindow), nil
	}

	failures, err := infraredis.NewSlidingWindow(a.Redis, failureWindowName, cfg.CircuitFailureWindow)
	if err != nil {
		return nil, nil, err
	}
	requests, err := infraredis.NewSlidingWindow(a.Redis, requestWindowName, cfg.RateLimitWindow)
	if err != nil {
		return nil, nil, err
	}
	return failures, requests, nil
}

func newGateway(cfg *config.Config, logger *zap.Logger) (sms.Gateway, error) {
	if !cfg.UsesSmsPilot() {
		logger.Warn("SMSPILOT_API_KEY not set, messages are only logged")
		return sms.NewLogGateway(logger), nil
	}

	gateway, err := sms.NewSmsPilotGateway(sms.SmsPilotConfig{
		APIKey:            cfg.SmsPilotAPIKey,
		BaseURL:           cfg.SmsPilotURL,
		TestMode:          cfg.SMSTestMode,
		RequestsPerSecond: cfg.SMSRequestsRate,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("smspilot gateway initialization failed: %w", err)
	}
	return gateway, nil
}

// NewScheduler builds the cron scheduler from the configured schedules.
func (a *App) NewScheduler() (*service.Scheduler, error) {
	return service.NewScheduler(a.Dispatcher, a.Queue, service.SchedulerConfig{
		DispatchSchedule: a.Config.DispatchSchedule,
		RecoverSchedule:  a.Config.RecoverSchedule,
		CleanupSchedule:  a.Config.CleanupSchedule,
		BatchLimit:       a.Config.DispatchBatchLimit,
		RetentionDays:    a.Config.RetentionDays,
		ProcessingLease:  a.Config.ProcessingLease,
	}, a.Logger)
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("failed to close resource", zap.Error(err))
		}
	}
	a.closers = nil
}

// InlineBookPublisher runs the best-effort fanout hook in the calling request
// instead of going through the broker.
type InlineBookPublisher struct {
	fanout *service.Fanout
}

func NewInlineBookPublisher(fanout *service.Fanout) *InlineBookPublisher {
	return &InlineBookPublisher{fanout: fanout}
}

func (p *InlineBookPublisher) PublishBookPublished(ctx context.Context, event domain.BookPublished) error {
	if p == nil || p.fanout == nil {
		return fmt.Errorf("fanout is not initialized")
	}
	p.fanout.AfterBookCreated(ctx, event)
	return nil
}
