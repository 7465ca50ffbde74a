// Package retry runs network rounds under a classified retry and backoff
// policy.
//
// Every attempt is admitted through the shared request queue. Errors marked
// with api.NonRetryable, and errors api.IsRetryable rejects, end the loop
// immediately. Every rate-limit failure that carries a server-declared
// Retry-After penalizes the shared rate limiter, including the last allowed
// attempt, so other callers back off as well. A retry after such a failure
// waits exactly that long.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rhuss/dialog/pkg/api"
	"github.com/rhuss/dialog/pkg/debug"
	"github.com/rhuss/dialog/pkg/observability"
	"github.com/rhuss/dialog/pkg/queue"
)

// Policy configures retries. MaxRetries counts retries after the first
// attempt, so an operation runs at most MaxRetries+1 times.
type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		Jitter:        250 * time.Millisecond,
	}
}

// Backoff returns the jitter-free delay before retry number attempt
// (0-based): InitialDelay * BackoffFactor^attempt, capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.InitialDelay) * math.Pow(factor, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Admitter admits a task for execution. *queue.Queue implements it.
type Admitter interface {
	Execute(ctx context.Context, task queue.Task) error
}

// Penalizer is told about server-declared throttling windows.
// *ratelimit.Limiter implements it.
type Penalizer interface {
	Penalize(d time.Duration)
}

// Operation is one network round.
type Operation func(ctx context.Context) error

// OnRetry is called before each wait with the 1-based retry number and the
// error that caused it.
type OnRetry func(attempt int, err error)

// Executor runs operations under a Policy. Both collaborators are optional.
type Executor struct {
	admit     Admitter
	penalizer Penalizer

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(bound time.Duration) time.Duration
}

// NewExecutor creates an Executor. admit and penalizer may be nil.
func NewExecutor(admit Admitter, penalizer Penalizer) *Executor {
	return &Executor{
		admit:     admit,
		penalizer: penalizer,
		sleep:     sleepContext,
		jitter:    randomJitter,
	}
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// policy's retries are exhausted. The last error is returned unchanged.
func (e *Executor) Do(ctx context.Context, op Operation, policy Policy, onRetry OnRetry) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = e.run(ctx, op)
		if lastErr == nil {
			return nil
		}
		hint := retryAfterHint(lastErr)
		if hint > 0 && e.penalizer != nil {
			e.penalizer.Penalize(hint)
		}
		if ctx.Err() != nil || !api.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt >= policy.MaxRetries {
			slog.Warn("retries exhausted", "attempts", attempt+1, "error", lastErr)
			return lastErr
		}

		delay := policy.Backoff(attempt) + e.jitter(policy.Jitter)
		if hint > 0 {
			delay = hint
		}

		observability.RetryAttemptsTotal.WithLabelValues(string(api.CodeOf(lastErr))).Inc()
		slog.Warn("round failed, retrying",
			"attempt", attempt+1,
			"max_retries", policy.MaxRetries,
			"delay", delay,
			"error", lastErr,
		)
		if onRetry != nil {
			onRetry(attempt+1, lastErr)
		}

		if err := e.sleep(ctx, delay); err != nil {
			debug.Log(debug.Retry, "retry wait aborted", "error", err)
			return lastErr
		}
	}
}

// Run is Do for operations that produce a value.
func Run[T any](ctx context.Context, e *Executor, policy Policy, op func(ctx context.Context) (T, error), onRetry OnRetry) (T, error) {
	var result T
	err := e.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, policy, onRetry)
	return result, err
}

// retryAfterHint returns the server-declared wait of a rate-limit error.
func retryAfterHint(err error) time.Duration {
	if apiErr, ok := api.AsAPIError(err); ok && apiErr.Code == api.CodeRateLimit {
		return apiErr.RetryAfter
	}
	return 0
}

func (e *Executor) run(ctx context.Context, op Operation) error {
	if e.admit == nil {
		return op(ctx)
	}
	return e.admit.Execute(ctx, queue.Task(op))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomJitter(bound time.Duration) time.Duration {
	if bound <= 0 {
		return 0
	}
	return rand.N(bound)
}
