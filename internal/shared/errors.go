package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a referenced resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrContention indicates a required row lock could not be obtained in
	// time. The whole operation rolled back and is safe to retry.
	ErrContention = errors.New("resource contention")
)

// ValidationError describes input that violates a business rule. The field
// and reason are safe to surface to callers.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// UserSafeMessage maps internal errors to messages safe to show callers.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return err.Error()
	case errors.Is(err, ErrNotFound):
		return "requested resource was not found"
	case errors.Is(err, ErrContention):
		return "operation is temporarily contended, retry"
	case errors.Is(err, ErrIdempotencyConflict):
		return "request was already processed"
	default:
		return "internal error"
	}
}
