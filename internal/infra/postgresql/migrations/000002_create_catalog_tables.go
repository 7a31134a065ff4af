package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/sms-notifier/internal/repository"
	"gorm.io/gorm"
)

// createCatalogTables is a no-op against an existing catalog schema; AutoMigrate
// only adds what is missing.
func createCatalogTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_catalog_tables",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.AuthorModel{}, &repository.SubscriptionModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_subscriptions_author_id ON subscriptions (author_id)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Exec(`DROP INDEX IF EXISTS idx_subscriptions_author_id`).Error
		},
	}
}
