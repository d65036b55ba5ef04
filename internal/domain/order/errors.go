package order

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrAlreadyExists     = errors.New("order already exists")
	ErrAlreadySettled    = errors.New("order already settled")
	ErrSignatureMismatch = errors.New("pg message authentication value mismatch")
	ErrAuthIDConflict    = errors.New("pg authorization id conflicts with stored value")
	ErrInitiateRejected  = errors.New("pg rejected the payment session")
	ErrApprovalRejected  = errors.New("pg rejected the approval")
	ErrReviseRejected    = errors.New("pg rejected the revise request")
	ErrAmountMismatch    = errors.New("approved amount does not match order total")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrStatusChanged     = errors.New("order status changed concurrently")
	ErrEmptyCart         = errors.New("cart is empty")
)

// ValidationError reports a missing or invalid input. It is always raised
// before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Required returns a ValidationError for an absent field.
func Required(field string) error {
	return &ValidationError{Field: field, Reason: "is required"}
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
