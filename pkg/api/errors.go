package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode is the machine-readable category of an APIError.
type ErrorCode string

const (
	// CodeConfig signals missing or invalid configuration (e.g. credentials).
	// Fatal, never retried.
	CodeConfig ErrorCode = "config_error"

	// CodeRateLimit signals throttling by the completion endpoint (HTTP 429).
	CodeRateLimit ErrorCode = "rate_limit"

	// CodeAPI signals a non-2xx answer from the endpoint. Retryable only
	// when the HTTP status is >= 500.
	CodeAPI ErrorCode = "api_error"

	// CodeEmptyResponse signals a response without content and tool calls.
	CodeEmptyResponse ErrorCode = "empty_response"

	// CodeStream signals a broken incremental response stream.
	CodeStream ErrorCode = "stream_error"

	// CodeToolExecution signals a failed tool call. It is always converted
	// into a tool turn and never surfaces from the orchestrator.
	CodeToolExecution ErrorCode = "tool_execution_error"

	// CodeBackgroundTimeout signals that a background task did not reach a
	// terminal status within the polling window.
	CodeBackgroundTimeout ErrorCode = "background_task_timeout"

	// CodeBackgroundTask signals a background task that ended as failed or
	// cancelled.
	CodeBackgroundTask ErrorCode = "background_task_error"

	// CodeInvalidRequest signals a malformed request to the HTTP surface.
	CodeInvalidRequest ErrorCode = "invalid_request"

	// CodeInternal signals an unexpected failure inside the server.
	CodeInternal ErrorCode = "internal_error"
)

// APIError is the typed error surfaced by every layer of the engine.
type APIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`

	// Status is the HTTP status reported by the endpoint, 0 if none.
	Status int `json:"status,omitempty"`

	// RetryAfter is the server-declared wait before the next attempt.
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorResponse wraps an APIError for JSON serialization as a top-level error body.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// NewConfigError creates an APIError for missing or invalid configuration.
func NewConfigError(message string) *APIError {
	return &APIError{Code: CodeConfig, Message: message}
}

// NewRateLimitError creates an APIError for a throttled request. retryAfter
// is zero when the server did not declare a wait.
func NewRateLimitError(message string, retryAfter time.Duration) *APIError {
	return &APIError{
		Code:       CodeRateLimit,
		Message:    message,
		Status:     http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

// NewAPIError creates an APIError for an unexpected HTTP status.
func NewAPIError(status int, message string) *APIError {
	return &APIError{Code: CodeAPI, Status: status, Message: message}
}

// NewEmptyResponseError creates an APIError for a response without output.
func NewEmptyResponseError(message string) *APIError {
	return &APIError{Code: CodeEmptyResponse, Message: message}
}

// NewStreamError creates an APIError for a broken response stream.
func NewStreamError(message string) *APIError {
	return &APIError{Code: CodeStream, Message: message}
}

// NewToolExecutionError creates an APIError for a failed tool call.
func NewToolExecutionError(message string) *APIError {
	return &APIError{Code: CodeToolExecution, Message: message}
}

// NewBackgroundTimeoutError creates an APIError for an expired polling window.
func NewBackgroundTimeoutError(message string) *APIError {
	return &APIError{Code: CodeBackgroundTimeout, Message: message}
}

// NewBackgroundTaskError creates an APIError for a failed or cancelled background task.
func NewBackgroundTaskError(message string) *APIError {
	return &APIError{Code: CodeBackgroundTask, Message: message}
}

// NewInvalidRequestError creates an APIError for a rejected client request.
func NewInvalidRequestError(message string) *APIError {
	return &APIError{Code: CodeInvalidRequest, Message: message}
}

// NewInternalError creates an APIError for an unexpected server failure.
func NewInternalError(message string) *APIError {
	return &APIError{Code: CodeInternal, Message: message}
}

// nonRetryableError marks an error so that retry loops give up immediately.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err as permanent. The original error stays reachable
// through errors.As and errors.Is. A nil err returns nil.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsMarkedNonRetryable reports whether err was wrapped with NonRetryable.
func IsMarkedNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}

// AsAPIError extracts the APIError from err's chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// CodeOf returns the error code of err, or "" if err carries no APIError.
func CodeOf(err error) ErrorCode {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Code
	}
	return ""
}

// IsRateLimit reports whether err is a throttling failure.
func IsRateLimit(err error) bool {
	return CodeOf(err) == CodeRateLimit
}

// IsRetryable classifies err for the retry executor. Marked errors and
// context errors are never retryable; rate limits and empty responses
// always are; API errors only for server-side statuses.
func IsRetryable(err error) bool {
	if err == nil || IsMarkedNonRetryable(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	switch apiErr.Code {
	case CodeRateLimit, CodeEmptyResponse:
		return true
	case CodeAPI:
		return apiErr.Status >= http.StatusInternalServerError
	default:
		return false
	}
}
