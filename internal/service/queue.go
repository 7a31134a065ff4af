package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/sms-notifier/internal/domain"
	"github.com/kursadbilgin/sms-notifier/internal/observability"
	"github.com/kursadbilgin/sms-notifier/internal/repository"
	"go.uber.org/zap"
)

const (
	DefaultProcessingLease = 10 * time.Minute
	defaultRecoverLimit    = 100

	staleLeaseReason = "processing lease expired"
)

// NotificationQueue owns the lifecycle of queued SMS records: enqueue, ready
// selection, persisted state transitions and retention.
type NotificationQueue struct {
	notifications repository.NotificationRepository
	policy        domain.RetryPolicy
	maxRetries    int
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
	newID         func() string
}

func NewNotificationQueue(
	notifications repository.NotificationRepository,
	policy domain.RetryPolicy,
	maxRetries int,
	logger *zap.Logger,
) (*NotificationQueue, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if len(policy.Backoff) == 0 {
		policy = domain.DefaultRetryPolicy()
	}
	if maxRetries < 1 {
		maxRetries = domain.DefaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationQueue{
		notifications: notifications,
		policy:        policy,
		maxRetries:    maxRetries,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
	}, nil
}

func (q *NotificationQueue) SetMetrics(metrics *observability.Metrics) {
	if q == nil {
		return
	}
	q.metrics = metrics
}

// withRepository returns a copy of q writing through notifications, typically
// a repository bound to an open transaction.
func (q *NotificationQueue) withRepository(notifications repository.NotificationRepository) *NotificationQueue {
	clone := *q
	clone.notifications = notifications
	return &clone
}

// Enqueue creates a pending record. maxRetries below 1 takes the queue default.
// A record for the same subscription and book yields domain.ErrDuplicate.
func (q *NotificationQueue) Enqueue(
	ctx context.Context,
	subscriptionID int64,
	bookID int64,
	phone string,
	message string,
	maxRetries int,
) (*domain.NotificationRecord, error) {
	if maxRetries < 1 {
		maxRetries = q.maxRetries
	}

	now := q.now()
	record := &domain.NotificationRecord{
		ID:             q.newID(),
		SubscriptionID: subscriptionID,
		BookID:         bookID,
		Phone:          strings.TrimSpace(phone),
		Message:        message,
		Status:         domain.StatusPending,
		MaxRetries:     maxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}

	exists, err := q.notifications.Exists(ctx, subscriptionID, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing notification: %w", err)
	}
	if exists {
		return nil, domain.ErrDuplicate
	}

	if err := q.notifications.Create(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// SelectReady returns up to limit dispatchable records, oldest first.
func (q *NotificationQueue) SelectReady(ctx context.Context, limit int) ([]domain.NotificationRecord, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: limit must be at least 1 (got %d)", domain.ErrInvalidArgument, limit)
	}
	return q.notifications.SelectReady(ctx, q.now(), limit)
}

// Claim moves a ready record to processing. A nil record means another
// dispatcher owns it or it is no longer ready.
func (q *NotificationQueue) Claim(ctx context.Context, id string) (*domain.NotificationRecord, error) {
	return q.notifications.Claim(ctx, id, q.now())
}

func (q *NotificationQueue) MarkSent(ctx context.Context, record *domain.NotificationRecord) error {
	if err := record.MarkSent(q.now()); err != nil {
		return err
	}
	return q.notifications.SaveTransition(ctx, record, domain.StatusProcessing)
}

func (q *NotificationQueue) MarkFailedWithRetry(ctx context.Context, record *domain.NotificationRecord, reason string) error {
	if err := record.MarkFailedWithRetry(reason, q.now(), q.policy); err != nil {
		return err
	}
	return q.notifications.SaveTransition(ctx, record, domain.StatusProcessing)
}

func (q *NotificationQueue) MarkPermanentlyFailed(ctx context.Context, record *domain.NotificationRecord, reason string) error {
	if err := record.MarkPermanentlyFailed(reason, q.now()); err != nil {
		return err
	}
	return q.notifications.SaveTransition(ctx, record, domain.StatusProcessing)
}

// Get loads one record, failing with domain.ErrNotFound for unknown ids.
func (q *NotificationQueue) Get(ctx context.Context, id string) (*domain.NotificationRecord, error) {
	return q.notifications.GetByID(ctx, id)
}

func (q *NotificationQueue) Statistics(ctx context.Context) (domain.QueueStats, error) {
	counts, err := q.notifications.CountByStatus(ctx)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("failed to count notifications: %w", err)
	}

	var stats domain.QueueStats
	for _, c := range counts {
		switch c.Status {
		case domain.StatusPending:
			stats.Pending = c.Count
		case domain.StatusProcessing:
			stats.Processing = c.Count
		case domain.StatusSent:
			stats.Sent = c.Count
		case domain.StatusFailed:
			stats.Failed = c.Count
		}
		stats.Total += c.Count
	}
	return stats, nil
}

// Cleanup deletes sent records older than retentionDays and returns how many were removed.
func (q *NotificationQueue) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 1 {
		return 0, fmt.Errorf("%w: retention days must be at least 1 (got %d)", domain.ErrInvalidArgument, retentionDays)
	}

	cutoff := q.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	deleted, err := q.notifications.DeleteSentBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sent notifications: %w", err)
	}

	q.metrics.AddCleanupDeleted(deleted)
	q.logger.Info("cleaned up sent notifications",
		zap.Int("retentionDays", retentionDays),
		zap.Int64("deleted", deleted),
	)
	return deleted, nil
}

// RecoverStale releases records stuck in processing for longer than lease.
// Each one goes through the regular failed-with-retry transition, so the
// interrupted attempt still counts against maxRetries.
func (q *NotificationQueue) RecoverStale(ctx context.Context, lease time.Duration, limit int) (int, error) {
	if lease <= 0 {
		lease = DefaultProcessingLease
	}
	if limit < 1 {
		limit = defaultRecoverLimit
	}

	stale, err := q.notifications.ListStaleProcessing(ctx, q.now().Add(-lease), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale notifications: %w", err)
	}

	recovered := 0
	for i := range stale {
		record := stale[i]
		if err := q.MarkFailedWithRetry(ctx, &record, staleLeaseReason); err != nil {
			q.logger.Warn("failed to recover stale notification",
				zap.String("recordId", record.ID),
				zap.Error(err),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		q.metrics.AddStaleRecovered(recovered)
		q.logger.Info("recovered stale notifications", zap.Int("recovered", recovered))
	}
	return recovered, nil
}
