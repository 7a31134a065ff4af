package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a queued notification.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// AllStatuses lists statuses in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusSent, StatusFailed}

func (s Status) String() string { return string(s) }

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

// NotificationRecord is one subscriber/book pairing awaiting SMS delivery.
type NotificationRecord struct {
	ID             string
	SubscriptionID int64
	BookID         int64
	Phone          string
	Message        string
	Status         Status
	RetryCount     int
	MaxRetries     int
	ErrorMessage   *string
	SentAt         *time.Time
	NextRetryAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (n *NotificationRecord) Validate() error {
	if n.SubscriptionID <= 0 {
		return fmt.Errorf("%w: subscription id is required", ErrValidation)
	}
	if n.BookID <= 0 {
		return fmt.Errorf("%w: book id is required", ErrValidation)
	}
	if strings.TrimSpace(n.Phone) == "" {
		return fmt.Errorf("%w: phone is required", ErrValidation)
	}
	if strings.TrimSpace(n.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	if n.MaxRetries < 1 {
		return fmt.Errorf("%w: max retries must be at least 1 (got %d)", ErrValidation, n.MaxRetries)
	}
	return nil
}

// IsReady reports whether the record would be picked by a dispatch batch at now.
func (n *NotificationRecord) IsReady(now time.Time) bool {
	if n.Status != StatusPending || n.RetryCount >= n.MaxRetries {
		return false
	}
	return n.NextRetryAt == nil || !n.NextRetryAt.After(now)
}

// MarkProcessing claims the record for one delivery attempt and counts it.
func (n *NotificationRecord) MarkProcessing(now time.Time) error {
	if n.Status != StatusPending {
		return transitionError(n.Status, StatusProcessing)
	}
	n.Status = StatusProcessing
	n.RetryCount++
	n.UpdatedAt = now
	return nil
}

func (n *NotificationRecord) MarkSent(now time.Time) error {
	if n.Status != StatusProcessing {
		return transitionError(n.Status, StatusSent)
	}
	sentAt := now
	n.Status = StatusSent
	n.SentAt = &sentAt
	n.ErrorMessage = nil
	n.NextRetryAt = nil
	n.UpdatedAt = now
	return nil
}

// MarkFailedWithRetry either reschedules the record or, once attempts are
// exhausted, moves it to failed.
func (n *NotificationRecord) MarkFailedWithRetry(reason string, now time.Time, policy RetryPolicy) error {
	if n.Status != StatusProcessing {
		return transitionError(n.Status, StatusPending)
	}

	n.ErrorMessage = stringPtr(reason)
	n.UpdatedAt = now

	if n.RetryCount >= n.MaxRetries {
		n.Status = StatusFailed
		n.NextRetryAt = nil
		return nil
	}

	next := now.Add(policy.Delay(n.RetryCount))
	n.Status = StatusPending
	n.NextRetryAt = &next
	return nil
}

func (n *NotificationRecord) MarkPermanentlyFailed(reason string, now time.Time) error {
	if n.Status != StatusProcessing {
		return transitionError(n.Status, StatusFailed)
	}
	n.Status = StatusFailed
	n.ErrorMessage = stringPtr(reason)
	n.NextRetryAt = nil
	n.UpdatedAt = now
	return nil
}

func transitionError(from, to Status) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: record is already %s", ErrInvalidTransition, from)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func stringPtr(s string) *string {
	return &s
}

// QueueStats holds record counts per status.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}
