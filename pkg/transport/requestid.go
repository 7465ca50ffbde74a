package transport

import (
	"context"

	"github.com/google/uuid"
)

// RequestID returns middleware that assigns a unique request ID to each
// request. An ID already carried by the context (set by the HTTP adapter
// from the X-Request-ID header) is kept.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *GenerateRequest, w ResponseWriter) error {
			if RequestIDFromContext(ctx) == "" {
				ctx = ContextWithRequestID(ctx, "req_"+uuid.NewString())
			}
			return next.Generate(ctx, req, w)
		})
	}
}
