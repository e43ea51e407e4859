package usecase

import (
	"context"
	"errors"
	"fmt"

	"ledger-agent/internal/domain"
	"ledger-agent/internal/llm"
)

type ErrorCode string

const (
	ErrorValidation         ErrorCode = "VALIDATION_ERROR"
	ErrorNotFound           ErrorCode = "NOT_FOUND"
	ErrorInvalidReference   ErrorCode = "INVALID_REFERENCE"
	ErrorUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrorConflict           ErrorCode = "CONFLICT"
	ErrorGatewayUnavailable ErrorCode = "GATEWAY_UNAVAILABLE"
	ErrorGatewayProtocol    ErrorCode = "GATEWAY_PROTOCOL_ERROR"
	ErrorInternal           ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether the same request may succeed if sent again.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return e.Code == ErrorGatewayUnavailable || e.Code == ErrorConflict
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// storeError maps a persistence error onto the usecase taxonomy.
func storeError(reason string, err error) *Error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newError(ErrorNotFound, reason, err)
	case errors.Is(err, domain.ErrInvalidReference):
		return newError(ErrorInvalidReference, reason, err)
	case errors.Is(err, domain.ErrConflict):
		return newError(ErrorConflict, reason, err)
	case errors.Is(err, domain.ErrValidation):
		return newError(ErrorValidation, reason, err)
	default:
		return newError(ErrorInternal, reason, err)
	}
}

// gatewayError maps an llm.Client error. A deadline hit by the turn's own
// timeout counts as unavailable.
func gatewayError(err error) *Error {
	switch {
	case errors.Is(err, llm.ErrProtocol):
		return newError(ErrorGatewayProtocol, "llm_protocol_error", err)
	case errors.Is(err, llm.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorGatewayUnavailable, "llm_unavailable", err)
	default:
		return newError(ErrorGatewayUnavailable, "llm_error", err)
	}
}
