package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/sms-notifier/internal/domain"
	"github.com/kursadbilgin/sms-notifier/internal/observability"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultDispatchSchedule = "@every 1m"
	DefaultRecoverSchedule  = "@every 5m"
	DefaultCleanupSchedule  = "@daily"
	DefaultRetentionDays    = 30
)

var _ cron.Logger = observability.CronLogger{}

type SchedulerConfig struct {
	DispatchSchedule string
	RecoverSchedule  string
	CleanupSchedule  string
	BatchLimit       int
	RetentionDays    int
	ProcessingLease  time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if strings.TrimSpace(c.DispatchSchedule) == "" {
		c.DispatchSchedule = DefaultDispatchSchedule
	}
	if strings.TrimSpace(c.RecoverSchedule) == "" {
		c.RecoverSchedule = DefaultRecoverSchedule
	}
	if strings.TrimSpace(c.CleanupSchedule) == "" {
		c.CleanupSchedule = DefaultCleanupSchedule
	}
	if c.BatchLimit < 1 {
		c.BatchLimit = DefaultBatchLimit
	}
	if c.RetentionDays < 1 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.ProcessingLease <= 0 {
		c.ProcessingLease = DefaultProcessingLease
	}
	return c
}

// Scheduler runs dispatch, stale-lease recovery and retention cleanup on cron
// schedules. Overlapping runs of the same job are skipped.
type Scheduler struct {
	dispatcher *Dispatcher
	queue      *NotificationQueue
	cfg        SchedulerConfig
	logger     *zap.Logger
}

func NewScheduler(dispatcher *Dispatcher, queue *NotificationQueue, cfg SchedulerConfig, logger *zap.Logger) (*Scheduler, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("notification queue is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg = cfg.withDefaults()
	for _, spec := range []string{cfg.DispatchSchedule, cfg.RecoverSchedule, cfg.CleanupSchedule} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
		}
	}

	return &Scheduler{
		dispatcher: dispatcher,
		queue:      queue,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Start blocks until ctx is canceled, then waits for running jobs to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cronLogger := observability.NewCronLogger(s.logger)
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	jobs := []struct {
		spec string
		run  func(context.Context)
	}{
		{spec: s.cfg.DispatchSchedule, run: s.runDispatch},
		{spec: s.cfg.RecoverSchedule, run: s.runRecover},
		{spec: s.cfg.CleanupSchedule, run: s.runCleanup},
	}
	for _, job := range jobs {
		run := job.run
		if _, err := c.AddFunc(job.spec, func() { run(ctx) }); err != nil {
			return fmt.Errorf("failed to schedule %q: %w", job.spec, err)
		}
	}

	s.logger.Info("scheduler started",
		zap.String("dispatch", s.cfg.DispatchSchedule),
		zap.String("recover", s.cfg.RecoverSchedule),
		zap.String("cleanup", s.cfg.CleanupSchedule),
	)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) runDispatch(ctx context.Context) {
	result, err := s.dispatcher.RunBatch(ctx, s.cfg.BatchLimit)
	switch {
	case err == nil:
		if result.HasProcessed() {
			s.logger.Debug("scheduled dispatch done", zap.Int("processed", result.TotalProcessed))
		}
	case errors.Is(err, domain.ErrServiceUnavailable):
		s.logger.Warn("sms service unavailable, dispatch skipped", zap.Error(err))
	case errors.Is(err, ErrDispatchInProgress):
		s.logger.Info("dispatch already running elsewhere, skipped")
	case ctx.Err() != nil:
		// shutting down
	default:
		s.logger.Error("scheduled dispatch failed", zap.Error(err))
	}
}

func (s *Scheduler) runRecover(ctx context.Context) {
	if _, err := s.queue.RecoverStale(ctx, s.cfg.ProcessingLease, s.cfg.BatchLimit); err != nil && ctx.Err() == nil {
		s.logger.Error("stale notification recovery failed", zap.Error(err))
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	if _, err := s.queue.Cleanup(ctx, s.cfg.RetentionDays); err != nil && ctx.Err() == nil {
		s.logger.Error("notification cleanup failed", zap.Error(err))
	}
}
