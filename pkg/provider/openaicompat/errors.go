package openaicompat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rhuss/dialog/pkg/api"
)

// MapHTTPError converts an HTTP response with a non-2xx status code into
// an APIError. A 429 becomes a rate limit error carrying the server's
// Retry-After hint; every other status becomes an api_error with that status.
func MapHTTPError(resp *http.Response) *api.APIError {
	message := ExtractErrorMessage(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if message == "" {
			message = "endpoint rate limit exceeded"
		}
		return api.NewRateLimitError(message, ParseRetryAfter(resp.Header))

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if message == "" {
			message = "endpoint authentication failed"
		}
		return api.NewAPIError(resp.StatusCode, message)

	case resp.StatusCode >= http.StatusInternalServerError:
		if message == "" {
			message = fmt.Sprintf("endpoint server error (HTTP %d)", resp.StatusCode)
		}
		return api.NewAPIError(resp.StatusCode, message)

	default:
		if message == "" {
			message = fmt.Sprintf("unexpected endpoint error (HTTP %d)", resp.StatusCode)
		}
		return api.NewAPIError(resp.StatusCode, message)
	}
}

// MapNetworkError converts a network-level error (connection refused, timeout,
// DNS resolution failure) into a retryable api_error with status 502.
func MapNetworkError(err error) *api.APIError {
	return api.NewAPIError(http.StatusBadGateway, fmt.Sprintf("endpoint connection error: %s", err.Error()))
}

// ExtractErrorMessage tries to parse the response body as a ChatErrorResponse
// and returns the error message if found.
func ExtractErrorMessage(body io.Reader) string {
	if body == nil {
		return ""
	}

	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}

	var errResp ChatErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}

	return ""
}
