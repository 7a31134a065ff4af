package domain

import "time"

// DeliveryAttempt records a single provider call made for a queued record.
type DeliveryAttempt struct {
	ID            string
	RecordID      string
	AttemptNumber int
	Provider      string
	Succeeded     bool
	Error         *string
	Duration      time.Duration
	CreatedAt     time.Time
}
