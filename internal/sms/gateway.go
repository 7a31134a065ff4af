package sms

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"unicode"
)

// Gateway is the outbound SMS delivery port.
type Gateway interface {
	SendSMS(ctx context.Context, phone string, message string) error
	IsAvailable(ctx context.Context) bool
	ProviderName() string
}

// ProviderError is a failed gateway call. Transient failures (network, 429,
// 5xx, open transport breaker) are the ones the transport breaker counts.
type ProviderError struct {
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := strings.TrimSpace(e.Message)
	switch {
	case msg == "" && e.Cause == nil:
		return http.StatusText(e.StatusCode)
	case msg == "":
		return e.Cause.Error()
	case e.Cause == nil:
		return msg
	default:
		return msg + ": " + e.Cause.Error()
	}
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether err is a transport-level failure.
func IsTransient(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	if providerErr := (*ProviderError)(nil); errors.As(err, &providerErr) {
		return providerErr.Transient
	}
	if netErr := net.Error(nil); errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

// normalizePhone keeps only the digits of phone, e.g. "+7 (900) 111-22-33" -> "79001112233".
func normalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) && r < unicode.MaxASCII {
			return r
		}
		return -1
	}, phone)
}
