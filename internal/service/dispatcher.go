package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/sms-notifier/internal/domain"
	"github.com/kursadbilgin/sms-notifier/internal/observability"
	"github.com/kursadbilgin/sms-notifier/internal/repository"
	"go.uber.org/zap"
)

const (
	DefaultBatchLimit = 100
	defaultPacing     = 100 * time.Millisecond
	dispatchLockName  = "dispatch"
)

// ErrDispatchInProgress is returned when another process holds the dispatch lock.
var ErrDispatchInProgress = fmt.Errorf("%w: dispatch already in progress", domain.ErrConflict)

// Sender delivers one message. Failures worth retrying are *domain.DeliveryError.
type Sender interface {
	Send(ctx context.Context, phone string, message string, maxAttempts int) error
	IsAvailable(ctx context.Context) bool
	ProviderName() string
}

// Locker provides a cross-process mutual exclusion lease.
type Locker interface {
	TryLock(ctx context.Context, name string) (release func(context.Context) error, acquired bool, err error)
}

// Dispatcher drives one bounded batch of ready records through the sender.
// It keeps no state between batches.
type Dispatcher struct {
	queue    *NotificationQueue
	sender   Sender
	attempts repository.AttemptRepository
	runs     repository.RunRepository
	locker   Locker
	logger   *zap.Logger
	metrics  *observability.Metrics
	pacing   time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	newID    func() string
}

func NewDispatcher(queue *NotificationQueue, sender Sender, logger *zap.Logger) (*Dispatcher, error) {
	if queue == nil {
		return nil, fmt.Errorf("notification queue is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		queue:  queue,
		sender: sender,
		logger: logger,
		pacing: defaultPacing,
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepWithContext,
		newID:  uuid.NewString,
	}, nil
}

// SetAuditing enables delivery attempt and run history persistence. Either may be nil.
func (d *Dispatcher) SetAuditing(attempts repository.AttemptRepository, runs repository.RunRepository) {
	d.attempts = attempts
	d.runs = runs
}

func (d *Dispatcher) SetLocker(locker Locker) {
	d.locker = locker
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// RunBatch processes up to limit ready records in FIFO order. It fails with
// domain.ErrServiceUnavailable, before touching any record, when the sender is
// unavailable. Individual record failures are collected in the result.
func (d *Dispatcher) RunBatch(ctx context.Context, limit int) (*domain.BatchResult, error) {
	if limit < 1 {
		limit = DefaultBatchLimit
	}

	if !d.sender.IsAvailable(ctx) {
		return nil, fmt.Errorf("%w: %s is not available", domain.ErrServiceUnavailable, d.sender.ProviderName())
	}

	if d.locker != nil {
		release, acquired, err := d.locker.TryLock(ctx, dispatchLockName)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire dispatch lock: %w", err)
		}
		if !acquired {
			return nil, ErrDispatchInProgress
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				d.logger.Warn("failed to release dispatch lock", zap.Error(err))
			}
		}()
	}

	result := domain.NewBatchResult()

	records, err := d.queue.SelectReady(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select ready notifications: %w", err)
	}
	if len(records) == 0 {
		return result, nil
	}

	runID := d.newID()
	ctx = observability.WithRunID(ctx, runID)
	logger := observability.WithContextLogger(d.logger, ctx)
	startedAt := d.now()

	logger.Info("dispatch batch started", zap.Int("selected", len(records)))

	for i := range records {
		if ctx.Err() != nil {
			logger.Warn("dispatch batch interrupted, remaining records stay pending",
				zap.Int("remaining", len(records)-i),
			)
			break
		}

		// A claimed record always reaches a persisted outcome, even when
		// shutdown cancels ctx while the send is in flight.
		d.process(context.WithoutCancel(ctx), logger, records[i].ID, result)

		if i < len(records)-1 {
			_ = d.sleep(ctx, d.pacing)
		}
	}

	d.recordRun(ctx, logger, runID, startedAt, result)

	logger.Info("dispatch batch finished",
		zap.Int("processed", result.TotalProcessed),
		zap.Int("sent", result.SuccessCount),
		zap.Int("failed", result.FailedCount),
		zap.Float64("successRate", result.SuccessRate()),
	)
	return result, nil
}

func (d *Dispatcher) process(ctx context.Context, logger *zap.Logger, id string, result *domain.BatchResult) {
	logger = logger.With(zap.String("recordId", id))

	record, err := d.queue.Claim(ctx, id)
	if err != nil {
		logger.Error("failed to claim notification", zap.Error(err))
		result.RecordFailure(id, fmt.Sprintf("claim failed: %v", err))
		return
	}
	if record == nil {
		logger.Debug("notification claimed elsewhere, skipping")
		d.metrics.IncRecordOutcome("skipped")
		return
	}

	start := d.now()
	sendErr := d.sender.Send(ctx, record.Phone, record.Message, 1)
	d.recordAttempt(ctx, logger, record, start, sendErr)

	if sendErr == nil {
		if err := d.queue.MarkSent(ctx, record); err != nil {
			logger.Error("sms sent but status update failed", zap.Error(err))
			result.RecordFailure(id, fmt.Sprintf("mark sent failed: %v", err))
			return
		}
		result.RecordSuccess()
		d.metrics.IncRecordOutcome("sent")
		return
	}

	reason := sendErr.Error()
	var deliveryErr *domain.DeliveryError
	if errors.As(sendErr, &deliveryErr) {
		if err := d.queue.MarkFailedWithRetry(ctx, record, reason); err != nil {
			logger.Error("failed to schedule notification retry", zap.Error(err))
			result.RecordFailure(id, fmt.Sprintf("%s; mark failed: %v", reason, err))
			return
		}

		outcome := "retry"
		if record.Status == domain.StatusFailed {
			outcome = "failed"
		}
		logger.Warn("sms delivery failed",
			zap.String("reason", reason),
			zap.String("outcome", outcome),
			zap.Int("retryCount", record.RetryCount),
		)
		result.RecordFailure(id, reason)
		d.metrics.IncRecordOutcome(outcome)
		return
	}

	logger.Error("unexpected error while sending sms", zap.Error(sendErr))
	if err := d.queue.MarkPermanentlyFailed(ctx, record, reason); err != nil {
		logger.Error("failed to mark notification as failed", zap.Error(err))
		result.RecordFailure(id, fmt.Sprintf("%s; mark failed: %v", reason, err))
		return
	}
	result.RecordFailure(id, reason)
	d.metrics.IncRecordOutcome("failed")
}

func (d *Dispatcher) recordAttempt(
	ctx context.Context,
	logger *zap.Logger,
	record *domain.NotificationRecord,
	start time.Time,
	sendErr error,
) {
	if d.attempts == nil {
		return
	}

	var attemptErr *string
	if sendErr != nil {
		value := sendErr.Error()
		attemptErr = &value
	}

	attempt := &domain.DeliveryAttempt{
		ID:            d.newID(),
		RecordID:      record.ID,
		AttemptNumber: record.RetryCount,
		Provider:      d.sender.ProviderName(),
		Succeeded:     sendErr == nil,
		Error:         attemptErr,
		Duration:      d.now().Sub(start),
		CreatedAt:     d.now(),
	}
	if err := d.attempts.Create(ctx, attempt); err != nil {
		logger.Warn("failed to record delivery attempt", zap.Error(err))
	}
}

func (d *Dispatcher) recordRun(
	ctx context.Context,
	logger *zap.Logger,
	runID string,
	startedAt time.Time,
	result *domain.BatchResult,
) {
	if !result.HasProcessed() {
		return
	}

	status := domain.RunStatusFor(result)
	d.metrics.IncDispatchRun(status.String())

	if d.runs == nil {
		return
	}

	run := &domain.DispatchRun{
		ID:             runID,
		Status:         status,
		TotalProcessed: result.TotalProcessed,
		SuccessCount:   result.SuccessCount,
		FailedCount:    result.FailedCount,
		StartedAt:      startedAt,
		FinishedAt:     d.now(),
	}
	if err := d.runs.Create(context.WithoutCancel(ctx), run); err != nil {
		logger.Warn("failed to record dispatch run", zap.Error(err))
	}
}

// Runs returns the most recent dispatch runs, newest first.
func (d *Dispatcher) Runs(ctx context.Context, limit int) ([]domain.DispatchRun, error) {
	if d.runs == nil {
		return nil, nil
	}
	return d.runs.ListRecent(ctx, limit)
}

// Run returns one recorded dispatch run. Without run history every id is unknown.
func (d *Dispatcher) Run(ctx context.Context, id string) (*domain.DispatchRun, error) {
	if d.runs == nil {
		return nil, domain.ErrNotFound
	}
	return d.runs.GetByID(ctx, id)
}

// Attempts lists the provider calls audited for one record, oldest first.
// Unknown records fail with domain.ErrNotFound.
func (d *Dispatcher) Attempts(ctx context.Context, recordID string) ([]domain.DeliveryAttempt, error) {
	if _, err := d.queue.Get(ctx, recordID); err != nil {
		return nil, err
	}
	if d.attempts == nil {
		return nil, nil
	}
	return d.attempts.ListByRecordID(ctx, recordID)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
