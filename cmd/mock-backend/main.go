// Command mock-backend runs a deterministic Chat Completions server for
// manual end-to-end runs of dialog.
//
// Configuration:
//
//	MOCK_PORT           - Listen port (default: 9090)
//	MOCK_MODEL          - Reported model name (default: mock-model)
//	MOCK_THROTTLE_EVERY - Answer every n-th request with 429 (default: 0, off)
//	MOCK_RETRY_AFTER    - Retry-After of throttled answers (default: 1s)
//	MOCK_BACKGROUND     - Answer with 202 and a poll location (default: false)
//	MOCK_PENDING_POLLS  - Polls answered as running before success (default: 1)
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rhuss/dialog/pkg/mockbackend"
)

func main() {
	port := envOrDefault("MOCK_PORT", "9090")

	opts := mockbackend.Options{
		Model:        os.Getenv("MOCK_MODEL"),
		PendingPolls: 1,
	}
	if v := os.Getenv("MOCK_THROTTLE_EVERY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Error("invalid MOCK_THROTTLE_EVERY", "value", v)
			os.Exit(1)
		}
		opts.ThrottleEvery = n
	}
	if v := os.Getenv("MOCK_RETRY_AFTER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("invalid MOCK_RETRY_AFTER", "value", v)
			os.Exit(1)
		}
		opts.RetryAfter = d
	}
	if v := os.Getenv("MOCK_BACKGROUND"); v != "" {
		opts.Background, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("MOCK_PENDING_POLLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.PendingPolls = n
		}
	}

	srv := &http.Server{Addr: ":" + port, Handler: mockbackend.New(opts).Handler()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock backend starting", "port", port,
			"throttle_every", opts.ThrottleEvery, "background", opts.Background)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("mock backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
