package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rhuss/dialog/pkg/api"
)

// HTTPStatusFromError maps an APIError to the status returned to the
// caller. Failures of the completion endpoint surface as gateway errors.
func HTTPStatusFromError(err *api.APIError) int {
	switch err.Code {
	case api.CodeInvalidRequest:
		return http.StatusBadRequest
	case api.CodeRateLimit:
		return http.StatusTooManyRequests
	case api.CodeAPI, api.CodeEmptyResponse, api.CodeStream, api.CodeBackgroundTask:
		return http.StatusBadGateway
	case api.CodeBackgroundTimeout:
		return http.StatusGatewayTimeout
	case api.CodeConfig, api.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse writes a JSON error response using the ErrorResponse
// wrapper format from pkg/api.
func WriteErrorResponse(w http.ResponseWriter, apiErr *api.APIError, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(apiErr))
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}

// WriteAPIError writes an APIError response, deriving the HTTP status code
// from the error code.
func WriteAPIError(w http.ResponseWriter, apiErr *api.APIError) {
	WriteErrorResponse(w, apiErr, HTTPStatusFromError(apiErr))
}

// ToAPIError returns the APIError in err's chain or wraps err as an
// internal_error.
func ToAPIError(err error) *api.APIError {
	if apiErr, ok := api.AsAPIError(err); ok {
		return apiErr
	}
	return api.NewInternalError(err.Error())
}

func retryAfterSeconds(apiErr *api.APIError) string {
	secs := int64((apiErr.RetryAfter + time.Second - 1) / time.Second)
	return strconv.FormatInt(secs, 10)
}
