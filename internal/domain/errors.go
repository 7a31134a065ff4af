package domain

import (
	"errors"
	"strings"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrDuplicate          = errors.New("notification already queued")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrServiceUnavailable = errors.New("sms service unavailable")
	ErrInvalidTransition  = errors.New("invalid status transition")
)

// DeliveryError is a retryable failure to hand a message to the SMS provider.
type DeliveryError struct {
	Reason string
	Cause  error
}

func NewDeliveryError(reason string, cause error) *DeliveryError {
	return &DeliveryError{Reason: reason, Cause: cause}
}

func (e *DeliveryError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		return reason
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "delivery failed"
}

func (e *DeliveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsDeliveryError reports whether err carries a *DeliveryError.
func IsDeliveryError(err error) bool {
	var deliveryErr *DeliveryError
	return errors.As(err, &deliveryErr)
}
