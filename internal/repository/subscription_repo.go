package repository

import (
	"context"

	"github.com/kursadbilgin/sms-notifier/internal/domain"
	"gorm.io/gorm"
)

type SubscriptionRepository interface {
	// FindByAuthorIDs returns subscriptions for any of authorIDs ordered by id.
	// Subscriptions of soft-deleted authors are returned only when includeDeleted is set.
	FindByAuthorIDs(ctx context.Context, authorIDs []int64, includeDeleted bool) ([]domain.Subscriber, error)
}

type GormSubscriptionRepo struct {
	db *gorm.DB
}

func NewGormSubscriptionRepo(db *gorm.DB) *GormSubscriptionRepo {
	return &GormSubscriptionRepo{db: db}
}

type subscriberRow struct {
	SubscriptionID int64   `gorm:"column:subscription_id"`
	AuthorID       int64   `gorm:"column:author_id"`
	Phone          string  `gorm:"column:phone"`
	AuthorName     *string `gorm:"column:author_name"`
}

func (r *GormSubscriptionRepo) FindByAuthorIDs(ctx context.Context, authorIDs []int64, includeDeleted bool) ([]domain.Subscriber, error) {
	if len(authorIDs) == 0 {
		return nil, nil
	}

	query := r.db.WithContext(ctx).
		Table("subscriptions AS s").
		Select("s.id AS subscription_id, s.author_id, s.phone, a.fio AS author_name").
		Joins("LEFT JOIN authors AS a ON a.id = s.author_id").
		Where("s.author_id IN ?", authorIDs)
	if !includeDeleted {
		query = query.Where("a.deleted_at IS NULL")
	}

	var rows []subscriberRow
	if err := query.Order("s.id ASC").Scan(&rows).Error; err != nil {
		return nil, err
	}

	subscribers := make([]domain.Subscriber, 0, len(rows))
	for _, row := range rows {
		name := ""
		if row.AuthorName != nil {
			name = *row.AuthorName
		}
		subscribers = append(subscribers, domain.Subscriber{
			SubscriptionID: row.SubscriptionID,
			AuthorID:       row.AuthorID,
			AuthorName:     name,
			Phone:          row.Phone,
		})
	}

	return subscribers, nil
}
