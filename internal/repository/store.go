package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store groups the repositories that must share a transaction.
type Store interface {
	Notifications() NotificationRepository
	Subscriptions() SubscriptionRepository
	Transaction(ctx context.Context, fn func(tx Store) error) error
}

type GormStore struct {
	db            *gorm.DB
	notifications *GormNotificationRepo
	subscriptions *GormSubscriptionRepo
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:            db,
		notifications: NewGormNotificationRepo(db),
		subscriptions: NewGormSubscriptionRepo(db),
	}
}

func (s *GormStore) Notifications() NotificationRepository { return s.notifications }

func (s *GormStore) Subscriptions() SubscriptionRepository { return s.subscriptions }

// Transaction runs fn against a store bound to one database transaction. The
// transaction is rolled back when fn returns an error.
func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewGormStore(tx))
	})
}
