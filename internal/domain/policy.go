package domain

import (
	"fmt"
	"strings"
	"time"
)

const DefaultMaxRetries = 3

// DefaultBackoff is the queue-level delay table indexed by retry count.
var DefaultBackoff = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
}

// RetryPolicy decides when a failed record becomes eligible again.
type RetryPolicy struct {
	Backoff []time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	backoff := make([]time.Duration, len(DefaultBackoff))
	copy(backoff, DefaultBackoff)
	return RetryPolicy{Backoff: backoff}
}

// Delay returns the backoff for a 1-based retry count, clamped to the table.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	table := p.Backoff
	if len(table) == 0 {
		table = DefaultBackoff
	}

	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(table) {
		idx = len(table) - 1
	}
	return table[idx]
}

// ParseBackoff parses a comma separated list of durations such as "60s,5m,15m".
func ParseBackoff(value string) ([]time.Duration, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: backoff schedule is empty", ErrValidation)
	}

	parts := strings.Split(trimmed, ",")
	backoff := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid backoff entry %q", ErrValidation, part)
		}
		if d <= 0 {
			return nil, fmt.Errorf("%w: backoff entry %q must be positive", ErrValidation, part)
		}
		backoff = append(backoff, d)
	}

	return backoff, nil
}
