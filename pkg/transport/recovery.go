package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rhuss/dialog/pkg/api"
)

// Recovery returns middleware that converts a panicking handler into an
// internal_error. The server keeps accepting requests afterwards.
func Recovery() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *GenerateRequest, w ResponseWriter) (retErr error) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("handler panic", "request_id", RequestIDFromContext(ctx), "panic", r)
					retErr = api.NewInternalError(fmt.Sprintf("internal server error: %v", r))
				}
			}()
			return next.Generate(ctx, req, w)
		})
	}
}
