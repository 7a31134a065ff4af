package repository

import (
	"time"

	"github.com/kursadbilgin/sms-notifier/internal/domain"
)

// NotificationRecordModel is the persistence model for the notification_queue table.
type NotificationRecordModel struct {
	ID             string        `gorm:"type:uuid;primaryKey"`
	SubscriptionID int64         `gorm:"not null"`
	BookID         int64         `gorm:"not null"`
	Phone          string        `gorm:"type:varchar(32);not null"`
	Message        string        `gorm:"type:text;not null"`
	Status         domain.Status `gorm:"type:varchar(20);not null"`
	RetryCount     int           `gorm:"not null"`
	MaxRetries     int           `gorm:"not null"`
	ErrorMessage   *string       `gorm:"type:text"`
	SentAt         *time.Time    `gorm:"type:timestamptz"`
	NextRetryAt    *time.Time    `gorm:"type:timestamptz"`
	CreatedAt      time.Time     `gorm:"type:timestamptz;not null"`
	UpdatedAt      time.Time     `gorm:"type:timestamptz;not null"`
}

func (NotificationRecordModel) TableName() string {
	return "notification_queue"
}

// SubscriptionModel mirrors the catalog's subscriptions table.
type SubscriptionModel struct {
	ID        int64     `gorm:"primaryKey"`
	AuthorID  int64     `gorm:"not null"`
	Phone     string    `gorm:"type:varchar(32);not null"`
	CreatedAt time.Time `gorm:"type:timestamptz"`
}

func (SubscriptionModel) TableName() string {
	return "subscriptions"
}

// AuthorModel mirrors the catalog's authors table. DeletedAt is a plain column,
// not gorm.DeletedAt, so no query is filtered implicitly.
type AuthorModel struct {
	ID        int64      `gorm:"primaryKey"`
	FIO       string     `gorm:"column:fio;type:varchar(255);not null"`
	DeletedAt *time.Time `gorm:"type:timestamptz"`
}

func (AuthorModel) TableName() string {
	return "authors"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID            string  `gorm:"type:uuid;primaryKey"`
	RecordID      string  `gorm:"type:uuid;not null"`
	AttemptNumber int     `gorm:"not null"`
	Provider      string  `gorm:"type:varchar(64);not null"`
	Succeeded     bool    `gorm:"not null"`
	Error         *string `gorm:"type:text"`
	DurationMs    int64   `gorm:"not null"`
	CreatedAt     time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

// DispatchRunModel is the persistence model for dispatch_runs.
type DispatchRunModel struct {
	ID             string           `gorm:"type:uuid;primaryKey"`
	Status         domain.RunStatus `gorm:"type:varchar(20);not null"`
	TotalProcessed int              `gorm:"not null"`
	SuccessCount   int              `gorm:"not null"`
	FailedCount    int              `gorm:"not null"`
	StartedAt      time.Time        `gorm:"type:timestamptz;not null"`
	FinishedAt     time.Time        `gorm:"type:timestamptz;not null"`
}

func (DispatchRunModel) TableName() string {
	return "dispatch_runs"
}

func recordModelFromDomain(n *domain.NotificationRecord) *NotificationRecordModel {
	if n == nil {
		return nil
	}

	return &NotificationRecordModel{
		ID:             n.ID,
		SubscriptionID: n.SubscriptionID,
		BookID:         n.BookID,
		Phone:          n.Phone,
		Message:        n.Message,
		Status:         n.Status,
		RetryCount:     n.RetryCount,
		MaxRetries:     n.MaxRetries,
		ErrorMessage:   n.ErrorMessage,
		SentAt:         n.SentAt,
		NextRetryAt:    n.NextRetryAt,
		CreatedAt:      n.CreatedAt,
		UpdatedAt:      n.UpdatedAt,
	}
}

func recordModelToDomain(m *NotificationRecordModel) *domain.NotificationRecord {
	if m == nil {
		return nil
	}

	return &domain.NotificationRecord{
		ID:             m.ID,
		SubscriptionID: m.SubscriptionID,
		BookID:         m.BookID,
		Phone:          m.Phone,
		Message:        m.Message,
		Status:         m.Status,
		RetryCount:     m.RetryCount,
		MaxRetries:     m.MaxRetries,
		ErrorMessage:   m.ErrorMessage,
		SentAt:         m.SentAt,
		NextRetryAt:    m.NextRetryAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func recordModelsToDomain(models []NotificationRecordModel) []domain.NotificationRecord {
	records := make([]domain.NotificationRecord, 0, len(models))
	for i := range models {
		records = append(records, *recordModelToDomain(&models[i]))
	}
	return records
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:            a.ID,
		RecordID:      a.RecordID,
		AttemptNumber: a.AttemptNumber,
		Provider:      a.Provider,
		Succeeded:     a.Succeeded,
		Error:         a.Error,
		DurationMs:    a.Duration.Milliseconds(),
		CreatedAt:     a.CreatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:            m.ID,
		RecordID:      m.RecordID,
		AttemptNumber: m.AttemptNumber,
		Provider:      m.Provider,
		Succeeded:     m.Succeeded,
		Error:         m.Error,
		Duration:      time.Duration(m.DurationMs) * time.Millisecond,
		CreatedAt:     m.CreatedAt,
	}
}

func runModelFromDomain(r *domain.DispatchRun) *DispatchRunModel {
	if r == nil {
		return nil
	}

	return &DispatchRunModel{
		ID:             r.ID,
		Status:         r.Status,
		TotalProcessed: r.TotalProcessed,
		SuccessCount:   r.SuccessCount,
		FailedCount:    r.FailedCount,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
}

func runModelToDomain(m *DispatchRunModel) *domain.DispatchRun {
	if m == nil {
		return nil
	}

	return &domain.DispatchRun{
		ID:             m.ID,
		Status:         m.Status,
		TotalProcessed: m.TotalProcessed,
		SuccessCount:   m.SuccessCount,
		FailedCount:    m.FailedCount,
		StartedAt:      m.StartedAt,
		FinishedAt:     m.FinishedAt,
	}
}
