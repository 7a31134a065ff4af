package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/sms-notifier/internal/domain"
	"github.com/kursadbilgin/sms-notifier/internal/observability"
	"github.com/kursadbilgin/sms-notifier/internal/repository"
	"go.uber.org/zap"
)

// Fanout turns a published book into one queued SMS per subscription of its authors.
type Fanout struct {
	store          repository.Store
	queue          *NotificationQueue
	maxLength      int
	includeDeleted bool
	logger         *zap.Logger
	metrics        *observability.Metrics
}

func NewFanout(store repository.Store, queue *NotificationQueue, maxLength int, logger *zap.Logger) (*Fanout, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("notification queue is required")
	}
	if maxLength <= 0 {
		maxLength = domain.DefaultMaxSMSLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Fanout{
		store:     store,
		queue:     queue,
		maxLength: maxLength,
		logger:    logger,
	}, nil
}

// IncludeDeletedAuthors makes fanout notify subscribers of soft-deleted authors too.
func (f *Fanout) IncludeDeletedAuthors(include bool) {
	f.includeDeleted = include
}

func (f *Fanout) SetMetrics(metrics *observability.Metrics) {
	if f == nil {
		return
	}
	f.metrics = metrics
}

// OnBookPublished enqueues a notification for every subscription that does not
// have one for this book yet and returns how many were created. All inserts of
// one call commit or roll back together, so replaying an event is safe.
func (f *Fanout) OnBookPublished(ctx context.Context, event domain.BookPublished) (int, error) {
	if len(event.AuthorIDs) == 0 {
		return 0, nil
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}

	created := 0
	err := f.store.Transaction(ctx, func(tx repository.Store) error {
		created = 0

		subscribers, err := tx.Subscriptions().FindByAuthorIDs(ctx, event.AuthorIDs, f.includeDeleted)
		if err != nil {
			return fmt.Errorf("failed to resolve subscribers: %w", err)
		}
		if len(subscribers) == 0 {
			return nil
		}

		queue := f.queue.withRepository(tx.Notifications())
		for _, sub := range subscribers {
			message := domain.RenderBookMessage(sub.AuthorName, event.Title, event.Year, f.maxLength)

			_, err := queue.Enqueue(ctx, sub.SubscriptionID, event.BookID, sub.Phone, message, 0)
			if errors.Is(err, domain.ErrDuplicate) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to enqueue notification for subscription %d: %w", sub.SubscriptionID, err)
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if created > 0 {
		f.metrics.AddFanoutCreated(created)
		f.logger.Info("book notifications queued",
			zap.Int64("bookId", event.BookID),
			zap.Int("created", created),
		)
	}
	return created, nil
}

// AfterBookCreated is the best-effort hook for the catalog write path. Fanout
// errors and panics are logged and never reach the caller.
func (f *Fanout) AfterBookCreated(ctx context.Context, event domain.BookPublished) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("book notification fanout panicked",
				zap.Int64("bookId", event.BookID),
				zap.Any("panic", r),
			)
		}
	}()

	if len(event.AuthorIDs) == 0 {
		f.logger.Warn("book has no authors, no notifications queued", zap.Int64("bookId", event.BookID))
		return
	}

	if _, err := f.OnBookPublished(ctx, event); err != nil {
		f.logger.Error("book notification fanout failed",
			zap.Int64("bookId", event.BookID),
			zap.Error(err),
		)
	}
}
