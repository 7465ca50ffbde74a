package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/rhuss/dialog/pkg/api"
)

// Logging returns middleware that emits one structured log entry per
// request with the request ID, model hint, stream flag and duration.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *GenerateRequest, w ResponseWriter) error {
			start := time.Now()

			err := next.Generate(ctx, req, w)

			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.String("model", req.Model),
				slog.Bool("stream", req.Stream),
				slog.Duration("duration", time.Since(start)),
			}
			if req.Persona != "" {
				attrs = append(attrs, slog.String("persona", req.Persona))
			}

			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				if code := api.CodeOf(err); code != "" {
					attrs = append(attrs, slog.String("code", string(code)))
				}
				logger.LogAttrs(ctx, slog.LevelError, "request failed", attrs...)
			} else {
				logger.LogAttrs(ctx, slog.LevelInfo, "request completed", attrs...)
			}

			return err
		})
	}
}
