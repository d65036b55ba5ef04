package handler

import (
	"context"
	"errors"
	"net/http"

	"pg_settlement/internal/config"
	domain "pg_settlement/internal/domain/order"
	"pg_settlement/internal/infrastructure/http/easypay"
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var httpErr *easypay.GatewayHTTPError
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrEmptyCart):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrAlreadySettled),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAuthIDConflict),
		errors.Is(err, domain.ErrAmountMismatch):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInitiateRejected),
		errors.Is(err, domain.ErrApprovalRejected),
		errors.Is(err, domain.ErrReviseRejected):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrSignatureMismatch), errors.As(err, &httpErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, config.ErrMisconfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
