package repository

import (
	"context"

	"github.com/kursadbilgin/sms-notifier/internal/domain"
	"gorm.io/gorm"
)

// maxAttemptsPerRecord bounds the history returned for one record. A record
// is attempted at most max_retries times, so this only guards bad data.
const maxAttemptsPerRecord = 50

type AttemptRepository interface {
	Create(ctx context.Context, a *domain.DeliveryAttempt) error
	ListByRecordID(ctx context.Context, recordID string) ([]domain.DeliveryAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

// Create appends one audit row. Rows are never updated afterwards.
func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	if a == nil {
		return nil
	}

	model := attemptModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	a.ID = model.ID
	a.CreatedAt = model.CreatedAt
	return nil
}

func (r *GormAttemptRepo) ListByRecordID(ctx context.Context, recordID string) ([]domain.DeliveryAttempt, error) {
	var models []DeliveryAttemptModel
	err := r.db.WithContext(ctx).
		Where(&DeliveryAttemptModel{RecordID: recordID}).
		Order("attempt_number ASC, created_at ASC").
		Limit(maxAttemptsPerRecord).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	history := make([]domain.DeliveryAttempt, len(models))
	for i := range models {
		history[i] = *attemptModelToDomain(&models[i])
	}
	return history, nil
}
