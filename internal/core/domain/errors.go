package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode is the wire-visible discriminator for gateway errors.
type ErrorCode string

const (
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"

	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidModel ErrorCode = "INVALID_MODEL"

	ErrCodeCacheConnection ErrorCode = "CACHE_CONNECTION"
	ErrCodeCacheKey        ErrorCode = "CACHE_KEY"

	ErrCodeQueueFull     ErrorCode = "QUEUE_FULL"
	ErrCodeQueueConsumer ErrorCode = "QUEUE_CONSUMER"

	ErrCodeProviderNotAvailable ErrorCode = "PROVIDER_NOT_AVAILABLE"
	ErrCodeProviderAuth         ErrorCode = "PROVIDER_AUTH"
	ErrCodeProviderTimeout      ErrorCode = "PROVIDER_TIMEOUT"
	ErrCodeProviderAPI          ErrorCode = "PROVIDER_API"
	ErrCodeAllProvidersDown     ErrorCode = "ALL_PROVIDERS_DOWN"

	ErrCodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodePoolExhausted     ErrorCode = "CONNECTION_POOL_EXHAUSTED"
	ErrCodeUserLimit         ErrorCode = "USER_CONNECTION_LIMIT"
	ErrCodeStreamingTimeout  ErrorCode = "STREAMING_TIMEOUT"
	ErrCodeServiceOverloaded ErrorCode = "SERVICE_OVERLOADED"
)

// GatewayError is the common shape of every error in the taxonomy. Code drives
// both retry policy and the wire mapping; Details carries structured context.
type GatewayError struct {
	Err      error
	Details  map[string]any
	Code     ErrorCode
	Message  string
	ThreadID string
}

func (e *GatewayError) Error() string {
	if e.ThreadID != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Code, e.ThreadID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func NewGatewayError(code ErrorCode, message string, err error) *GatewayError {
	return &GatewayError{Code: code, Message: message, Err: err}
}

func (e *GatewayError) WithThread(threadID string) *GatewayError {
	e.ThreadID = threadID
	return e
}

func (e *GatewayError) WithDetail(key string, value any) *GatewayError {
	if e.Details == nil {
		e.Details = make(map[string]any, 2)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the taxonomy code from an arbitrary error chain.
func CodeOf(err error) ErrorCode {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// Unretryable pins an error as non-retryable regardless of its code. Used
// when a retry would duplicate side effects already visible to the client.
func Unretryable(err error) error {
	if err == nil {
		return nil
	}
	return &unretryableError{err: err}
}

type unretryableError struct {
	err error
}

func (e *unretryableError) Error() string { return e.err.Error() }
func (e *unretryableError) Unwrap() error { return e.err }

// IsRetryable reports whether the resilience wrapper may retry the call.
// Only network-level and timeout failures qualify; provider 4xx responses,
// open circuits and validation failures never do.
func IsRetryable(err error) bool {
	var ur *unretryableError
	if errors.As(err, &ur) {
		return false
	}
	switch CodeOf(err) {
	case ErrCodeProviderNotAvailable, ErrCodeProviderTimeout:
		return true
	case "":
		// untyped errors are treated as transport-level failures
		return err != nil
	default:
		return false
	}
}

type ValidationError struct {
	Field  string
	Reason string
	Code   ErrorCode
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

func NewValidationError(code ErrorCode, field, reason string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: fmt.Sprintf("validation failed for %s: %s", field, reason),
		Err:     &ValidationError{Field: field, Reason: reason, Code: code},
	}
}

type ProviderError struct {
	Err        error
	Provider   string
	Model      string
	StatusCode int
	Latency    time.Duration
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s failed: HTTP %d after %v: %v", e.Provider, e.StatusCode, e.Latency, e.Err)
	}
	return fmt.Sprintf("provider %s failed after %v: %v", e.Provider, e.Latency, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func NewProviderError(code ErrorCode, provider, model string, statusCode int, latency time.Duration, err error) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: fmt.Sprintf("provider %s: %v", provider, err),
		Err:     &ProviderError{Provider: provider, Model: model, StatusCode: statusCode, Latency: latency, Err: err},
	}
}

var (
	ErrCircuitOpen      = &GatewayError{Code: ErrCodeCircuitOpen, Message: "circuit breaker is open"}
	ErrAllProvidersDown = &GatewayError{Code: ErrCodeAllProvidersDown, Message: "no healthy providers available"}
	ErrPoolExhausted    = &GatewayError{Code: ErrCodePoolExhausted, Message: "connection pool exhausted"}
	ErrUserLimit        = &GatewayError{Code: ErrCodeUserLimit, Message: "per-user connection limit reached"}
	ErrQueueFull        = &GatewayError{Code: ErrCodeQueueFull, Message: "queue depth limit reached"}
	ErrStreamTimeout    = &GatewayError{Code: ErrCodeStreamingTimeout, Message: "stream timed out"}
)

// WireError maps the taxonomy onto the error SSE payload. Internal admission
// codes never reach the client as-is; they either become queue-failover or,
// when the queue itself is full, SERVICE_OVERLOADED.
func WireError(err error) ErrorPayload {
	code := CodeOf(err)
	switch code {
	case ErrCodeQueueFull, ErrCodePoolExhausted, ErrCodeUserLimit:
		return ErrorPayload{Error: string(ErrCodeServiceOverloaded), Message: "service is overloaded, try again later"}
	case ErrCodeStreamingTimeout:
		return ErrorPayload{Error: "Timeout", Message: err.Error()}
	case "":
		return ErrorPayload{Error: "INTERNAL", Message: err.Error()}
	default:
		return ErrorPayload{Error: string(code), Message: err.Error()}
	}
}
