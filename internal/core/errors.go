// Package core provides the error taxonomy and request-scoped helpers shared by the gateway components.
package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	// ErrorTypeStoreUnavailable indicates the cache backend could not be reached
	ErrorTypeStoreUnavailable ErrorType = "store_unavailable"
	// ErrorTypeRateLimit indicates the client exceeded its request window (429)
	ErrorTypeRateLimit ErrorType = "rate_limit_error"
	// ErrorTypeCredentialFetch indicates the OAuth token endpoint call failed
	ErrorTypeCredentialFetch ErrorType = "credential_fetch_error"
	// ErrorTypeTransportExhausted indicates the upstream never produced a response
	ErrorTypeTransportExhausted ErrorType = "transport_exhausted"
	// ErrorTypeUpstreamRejected indicates the upstream answered with a non-2xx status
	ErrorTypeUpstreamRejected ErrorType = "upstream_rejected"
	// ErrorTypeInvalidRequest indicates a client error (4xx)
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	// ErrorTypeProvider indicates the upstream is temporarily refused locally (circuit open)
	ErrorTypeProvider ErrorType = "provider_error"
)

// GatewayError is the base error type for all gateway errors
type GatewayError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	Provider   string    `json:"provider,omitempty"`
	// Body is the raw upstream response body, relayed or logged verbatim
	Body []byte `json:"-"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the status the gateway answers with for this error.
// Upstream rejections are relayed with the upstream's own status; everything
// else maps onto a fixed code.
func (e *GatewayError) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeStoreUnavailable:
		return http.StatusServiceUnavailable
	case ErrorTypeCredentialFetch, ErrorTypeTransportExhausted:
		return http.StatusBadGateway
	case ErrorTypeUpstreamRejected, ErrorTypeInvalidRequest, ErrorTypeProvider:
		if e.StatusCode != 0 {
			return e.StatusCode
		}
		if e.Type == ErrorTypeInvalidRequest {
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable error code returned to clients.
func (e *GatewayError) Code() string {
	switch e.Type {
	case ErrorTypeRateLimit:
		return "RATE_LIMIT_EXCEEDED"
	case ErrorTypeStoreUnavailable:
		return "STORE_UNAVAILABLE"
	case ErrorTypeCredentialFetch, ErrorTypeTransportExhausted, ErrorTypeProvider:
		return "UPSTREAM_UNAVAILABLE"
	case ErrorTypeUpstreamRejected:
		return "UPSTREAM_ERROR"
	case ErrorTypeInvalidRequest:
		return "INVALID_REQUEST"
	default:
		return "INTERNAL_ERROR"
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *GatewayError) ToJSON() map[string]interface{} {
	body := map[string]interface{}{
		"error": e.Code(),
	}
	switch e.Type {
	case ErrorTypeUpstreamRejected:
		body["status"] = e.StatusCode
	case ErrorTypeInvalidRequest:
		body["message"] = e.Message
	}
	return body
}

// NewStoreUnavailableError wraps a cache backend failure
func NewStoreUnavailableError(backend string, op string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeStoreUnavailable,
		Message:    fmt.Sprintf("%s %s failed", backend, op),
		StatusCode: http.StatusServiceUnavailable,
		Provider:   backend,
		Err:        err,
	}
}

// NewRateLimitError creates a new rate limit error (429)
func NewRateLimitError(identity string, message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeRateLimit,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
		Provider:   identity,
	}
}

// NewCredentialFetchError creates an error for a failed OAuth token request.
// statusCode is 0 when the endpoint was never reached.
func NewCredentialFetchError(provider string, statusCode int, body []byte, message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeCredentialFetch,
		Message:    message,
		StatusCode: statusCode,
		Provider:   provider,
		Body:       body,
		Err:        err,
	}
}

// NewTransportExhaustedError creates an error for an upstream call that never produced a response
func NewTransportExhaustedError(provider string, attempts int, err error) *GatewayError {
	return &GatewayError{
		Type:     ErrorTypeTransportExhausted,
		Message:  fmt.Sprintf("no response after %d attempt(s)", attempts),
		Provider: provider,
		Err:      err,
	}
}

// NewUpstreamRejectedError carries a non-2xx upstream status and body verbatim
func NewUpstreamRejectedError(provider string, statusCode int, body []byte) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeUpstreamRejected,
		Message:    fmt.Sprintf("upstream responded with status %d", statusCode),
		StatusCode: statusCode,
		Provider:   provider,
		Body:       body,
	}
}

// NewInvalidRequestError creates a new invalid request error (400)
func NewInvalidRequestError(message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

// NewProviderError creates an error for an upstream that is refused locally
func NewProviderError(provider string, statusCode int, message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeProvider,
		Message:    message,
		StatusCode: statusCode,
		Provider:   provider,
		Err:        err,
	}
}

// IsType reports whether err wraps a GatewayError of the given type.
func IsType(err error, t ErrorType) bool {
	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr.Type == t
	}
	return false
}
