package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/sms-notifier/internal/repository"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_notification_queue",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.NotificationRecordModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_notification_queue_subscription_book ON notification_queue (subscription_id, book_id)`,
					`CREATE INDEX IF NOT EXISTS idx_notification_queue_status_next_retry ON notification_queue (status, next_retry_at)`,
					`CREATE INDEX IF NOT EXISTS idx_notification_queue_pending_created ON notification_queue (created_at) WHERE status = 'pending'`,
					`CREATE INDEX IF NOT EXISTS idx_notification_queue_book_id ON notification_queue (book_id)`,
					`CREATE INDEX IF NOT EXISTS idx_notification_queue_processing_updated ON notification_queue (updated_at) WHERE status = 'processing'`,
					`CREATE INDEX IF NOT EXISTS idx_notification_queue_sent_at ON notification_queue (sent_at) WHERE status = 'sent'`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.NotificationRecordModel{})
			},
		},
		createCatalogTables(),
		createDeliveryAttemptsTable(),
		createDispatchRunsTable(),
	})

	return m.Migrate()
}
