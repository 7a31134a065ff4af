package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kursadbilgin/sms-notifier/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const uniqueViolationCode = "23505"

type StatusCount struct {
	Status domain.Status `gorm:"column:status"`
	Count  int64         `gorm:"column:count"`
}

type NotificationRepository interface {
	Create(ctx context.Context, n *domain.NotificationRecord) error
	Exists(ctx context.Context, subscriptionID int64, bookID int64) (bool, error)
	GetByID(ctx context.Context, id string) (*domain.NotificationRecord, error)
	SelectReady(ctx context.Context, now time.Time, limit int) ([]domain.NotificationRecord, error)
	Claim(ctx context.Context, id string, now time.Time) (*domain.NotificationRecord, error)
	SaveTransition(ctx context.Context, n *domain.NotificationRecord, from domain.Status) error
	ListStaleProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.NotificationRecord, error)
	CountByStatus(ctx context.Context) ([]StatusCount, error)
	DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type GormNotificationRepo struct {
	db *gorm.DB
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db}
}

// Create inserts a pending record. A second insert for the same
// (subscription_id, book_id) pair is a no-op reported as ErrDuplicate; the
// conflict clause keeps a surrounding transaction usable.
func (r *GormNotificationRepo) Create(ctx context.Context, n *domain.NotificationRecord) error {
	model := recordModelFromDomain(n)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subscription_id"}, {Name: "book_id"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return domain.ErrDuplicate
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrDuplicate
	}
	if n != nil {
		*n = *recordModelToDomain(model)
	}
	return nil
}

func (r *GormNotificationRepo) Exists(ctx context.Context, subscriptionID int64, bookID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&NotificationRecordModel{}).
		Where("subscription_id = ? AND book_id = ?", subscriptionID, bookID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *GormNotificationRepo) GetByID(ctx context.Context, id string) (*domain.NotificationRecord, error) {
	var model NotificationRecordModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return recordModelToDomain(&model), nil
}

func (r *GormNotificationRepo) SelectReady(ctx context.Context, now time.Time, limit int) ([]domain.NotificationRecord, error) {
	var models []NotificationRecordModel
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.StatusPending).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Where("retry_count < max_retries").
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	return recordModelsToDomain(models), nil
}

// Claim atomically moves a ready record to processing. It returns nil, nil when
// the row is locked by another dispatcher or is no longer ready.
func (r *GormNotificationRepo) Claim(ctx context.Context, id string, now time.Time) (*domain.NotificationRecord, error) {
	var claimed *domain.NotificationRecord

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model NotificationRecordModel
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("id = ? AND status = ?", id, domain.StatusPending).
			Take(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		record := recordModelToDomain(&model)
		if !record.IsReady(now) {
			return nil
		}
		if err := record.MarkProcessing(now); err != nil {
			return err
		}

		result := tx.
			Model(&NotificationRecordModel{}).
			Where("id = ? AND status = ?", id, domain.StatusPending).
			Updates(map[string]any{
				"status":      record.Status,
				"retry_count": record.RetryCount,
				"updated_at":  record.UpdatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		claimed = record
		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// SaveTransition persists the mutable fields of n if the stored row is still in
// status from. A lost race is reported as ErrConflict.
func (r *GormNotificationRepo) SaveTransition(ctx context.Context, n *domain.NotificationRecord, from domain.Status) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationRecordModel{}).
		Where("id = ? AND status = ?", n.ID, from).
		Updates(map[string]any{
			"status":        n.Status,
			"retry_count":   n.RetryCount,
			"error_message": n.ErrorMessage,
			"sent_at":       n.SentAt,
			"next_retry_at": n.NextRetryAt,
			"updated_at":    n.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormNotificationRepo) ListStaleProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.NotificationRecord, error) {
	var models []NotificationRecordModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.StatusProcessing, updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	return recordModelsToDomain(models), nil
}

func (r *GormNotificationRepo) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	var counts []StatusCount
	err := r.db.WithContext(ctx).
		Model(&NotificationRecordModel{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *GormNotificationRepo) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND sent_at < ?", domain.StatusSent, cutoff).
		Delete(&NotificationRecordModel{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
