package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors.
var (
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("billing api circuit breaker is open")
	// ErrInvalidResponse means a 2xx body could not be decoded.
	ErrInvalidResponse = errors.New("invalid response from billing api")
)

// APIError is a non-2xx answer from the Billing API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Detail     string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("billing api error: %d", e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += " " + e.Message
	}
	if e.Detail != "" {
		msg += " - " + e.Detail
	}
	return msg
}

// IsNotFound reports whether the API answered 404.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsServerError reports a 5xx answer.
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

// ConnectionError wraps a transport failure.
type ConnectionError struct {
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("billing api connection error: %v", e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsNotFound()
}

// Message returns text suitable for a flash message.
func Message(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if errors.Is(err, ErrCircuitOpen) {
		return "The billing service is temporarily unavailable."
	}
	return "The billing service could not be reached."
}
