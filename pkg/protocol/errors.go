package protocol

import (
	"errors"
	"net/http"
)

// Code is a wire-visible error code with HTTP-equivalent semantics.
type Code string

const (
	CodeInvalidMessage  Code = "invalid_message"
	CodeUnauthorized    Code = "unauthorized"
	CodeForbidden       Code = "forbidden"
	CodeNotFound        Code = "not_found"
	CodeConflict        Code = "conflict"
	CodeQuotaExceeded   Code = "quota_exceeded"
	CodeRateLimited     Code = "rate_limited"
	CodePayloadTooLarge Code = "payload_too_large"
	CodeServerError     Code = "server_error"
	CodeUnavailable     Code = "unavailable"

	// Auth-specific codes returned in auth_error.
	CodeInvalidAPIKey Code = "invalid_api_key"
	CodeExpiredAPIKey Code = "expired_api_key"
	CodeFleetFull     Code = "fleet_full"
)

// HTTPStatus maps a code to its HTTP-equivalent status for the control
// plane surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidMessage:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeInvalidAPIKey, CodeExpiredAPIKey:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeQuotaExceeded, CodeRateLimited, CodeFleetFull:
		return http.StatusTooManyRequests
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the wire error shape. RetryAfterMS is set where a retry is
// actionable (rate limits, quota windows).
type Error struct {
	Code         Code   `json:"code"`
	Message      string `json:"message,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// NewError builds a wire error.
func NewError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// NewRetryError builds a wire error carrying a retry hint.
func NewRetryError(code Code, msg string, retryAfterMS int64) *Error {
	return &Error{Code: code, Message: msg, RetryAfterMS: retryAfterMS}
}

// AsError coerces any error into a wire error. Unknown errors become
// server_error so internals never leak to clients.
func AsError(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return &Error{Code: CodeServerError, Message: "internal error"}
}
