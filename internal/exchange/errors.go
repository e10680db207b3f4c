package exchange

import (
	"errors"
	"fmt"
)

// Exchange API error codes the engine reacts to by name.
const (
	ErrorInvalidSessionInformation = "INVALID_SESSION_INFORMATION"
	ErrorNoSession                 = "NO_SESSION"
	ErrorInsufficientFunds         = "INSUFFICIENT_FUNDS"
	ErrorMarketSuspended           = "MARKET_SUSPENDED"
	ErrorBetActionError            = "BET_ACTION_ERROR"
	ErrorInvalidBetSize            = "INVALID_BET_SIZE"
	ErrorInvalidOdds               = "INVALID_ODDS"
	ErrorOrderLimitExceeded        = "ORDER_LIMIT_EXCEEDED"
	ErrorTooManyRequests           = "TOO_MUCH_DATA"
	ErrorTimeout                   = "TIMEOUT"
	ErrorServiceBusy               = "SERVICE_BUSY"
	ErrorUnexpected                = "UNEXPECTED_ERROR"
)

// APIError represents an API-level error returned inside a JSON-RPC
// response body.
type APIError struct {
	Code    string
	Message string
	Cause   error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange API error: %s (code: %s)", e.Message, e.Code)
}

func (e *APIError) Unwrap() error { return e.Cause }

// Transient reports whether the request can be retried on a later tick
// without operator intervention.
func (e *APIError) Transient() bool {
	switch e.Code {
	case ErrorTimeout, ErrorServiceBusy, ErrorTooManyRequests, ErrorUnexpected:
		return true
	}
	return false
}

// AuthenticationError means the session token is missing, expired or was
// rejected. The scheduler re-authenticates once per tick when it sees one.
type AuthenticationError struct {
	Message string
	Cause   error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication error: %s", e.Message)
}

func (e *AuthenticationError) Unwrap() error { return e.Cause }

// NewAPIError creates a new exchange API error
func NewAPIError(code, message string, cause error) *APIError {
	return &APIError{Code: code, Message: message, Cause: cause}
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(message string, cause error) *AuthenticationError {
	return &AuthenticationError{Message: message, Cause: cause}
}

// IsAuthError reports whether err is (or wraps) an authentication failure,
// including the session error codes the API reports in-band.
func IsAuthError(err error) bool {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == ErrorInvalidSessionInformation || apiErr.Code == ErrorNoSession
	}
	return false
}

// RecoverableOrderFailure reports whether a placeOrders failure code proves
// the order never reached the book, which makes it safe to release the
// dedup keys reserved for it. An ambiguous outcome (timeout, unexpected
// error) keeps the keys: laying the same horse twice costs real money,
// missing one race does not.
func RecoverableOrderFailure(code string) bool {
	switch code {
	case ErrorInsufficientFunds,
		ErrorMarketSuspended,
		ErrorBetActionError,
		ErrorInvalidBetSize,
		ErrorInvalidOdds,
		ErrorOrderLimitExceeded:
		return true
	}
	return false
}

// MapExchangeError converts a raw API error code into the engine's typed
// errors.
func MapExchangeError(code, message string) error {
	switch code {
	case ErrorInvalidSessionInformation, ErrorNoSession:
		return NewAuthenticationError("session rejected by exchange", NewAPIError(code, message, nil))
	default:
		return NewAPIError(code, message, nil)
	}
}
