// Package queue bounds the number of concurrent outbound requests.
//
// A [Queue] admits up to MaxConcurrent tasks at once and parks the rest in
// FIFO order. A task that fails with a rate-limit error pauses admission
// globally for an exponentially growing delay keyed on consecutive
// rate-limit failures. Any successful task resets that counter.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rhuss/dialog/pkg/api"
	"github.com/rhuss/dialog/pkg/debug"
	"github.com/rhuss/dialog/pkg/observability"
)

// Config configures a Queue. Zero fields fall back to defaults.
type Config struct {
	MaxConcurrent int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

const (
	defaultMaxConcurrent = 3
	defaultBaseDelay     = time.Second
	defaultMaxDelay      = time.Minute
)

// Task is a unit of work admitted by the queue.
type Task func(ctx context.Context) error

// Queue is a bounded-concurrency FIFO admission gate.
type Queue struct {
	cfg Config

	mu          sync.Mutex
	active      int
	waiters     []*waiter
	pausedUntil time.Time
	consecutive int
	resume      *time.Timer
}

type waiter struct {
	ready    chan struct{}
	admitted bool
}

// New creates a Queue.
func New(cfg Config) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(defaultMaxDelay, cfg.BaseDelay)
	}
	return &Queue{cfg: cfg}
}

// Execute runs task once a slot is free and no pause is active, and returns
// the task's error. If ctx ends while waiting, the task is dropped and
// ctx.Err() is returned. The slot is released even if task panics.
func (q *Queue) Execute(ctx context.Context, task Task) (err error) {
	if err := q.acquire(ctx); err != nil {
		return err
	}
	defer func() { q.release(err) }()
	return task(ctx)
}

// Active returns the number of admitted tasks.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Waiting returns the number of parked tasks.
func (q *Queue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// PausedUntil returns the end of the current pause, or the zero time.
func (q *Queue) PausedUntil() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	if time.Now().Before(q.pausedUntil) {
		return q.pausedUntil
	}
	return time.Time{}
}

func (q *Queue) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	if len(q.waiters) == 0 && q.active < q.cfg.MaxConcurrent && !q.pausedLocked(time.Now()) {
		q.active++
		q.mu.Unlock()
		observability.QueueActive.Inc()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	position := len(q.waiters)
	if now := time.Now(); q.pausedLocked(now) && q.resume == nil {
		q.scheduleResumeLocked(q.pausedUntil.Sub(now))
	}
	q.mu.Unlock()
	observability.QueueWaiting.Inc()
	debug.Log(debug.Queue, "task queued", "position", position)

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if w.admitted {
		// Admitted concurrently with cancellation: hand the slot on.
		q.active--
		observability.QueueActive.Dec()
		q.dispatchLocked()
		return ctx.Err()
	}
	for i, other := range q.waiters {
		if other == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			observability.QueueWaiting.Dec()
			break
		}
	}
	return ctx.Err()
}

func (q *Queue) release(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.active--
	observability.QueueActive.Dec()

	switch {
	case err == nil:
		q.consecutive = 0
	case api.IsRateLimit(err):
		q.consecutive++
		delay := pauseDelay(q.cfg.BaseDelay, q.cfg.MaxDelay, q.consecutive)
		until := time.Now().Add(delay)
		if until.After(q.pausedUntil) {
			q.pausedUntil = until
		}
		observability.QueuePausesTotal.Inc()
		debug.Log(debug.Queue, "admission paused", "delay", delay, "consecutive", q.consecutive)
	}

	q.dispatchLocked()
}

// dispatchLocked admits waiters in order while slots are free, or arms the
// resume timer while paused.
func (q *Queue) dispatchLocked() {
	now := time.Now()
	if q.pausedLocked(now) {
		if len(q.waiters) > 0 {
			q.scheduleResumeLocked(q.pausedUntil.Sub(now))
		}
		return
	}
	for q.active < q.cfg.MaxConcurrent && len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters[0] = nil
		q.waiters = q.waiters[1:]
		w.admitted = true
		q.active++
		observability.QueueWaiting.Dec()
		observability.QueueActive.Inc()
		close(w.ready)
	}
}

func (q *Queue) scheduleResumeLocked(d time.Duration) {
	if q.resume != nil {
		q.resume.Stop()
	}
	q.resume = time.AfterFunc(d, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.resume = nil
		q.dispatchLocked()
	})
}

func (q *Queue) pausedLocked(now time.Time) bool {
	return now.Before(q.pausedUntil)
}

// pauseDelay returns base * 2^(n-1), capped at maxDelay.
func pauseDelay(base, maxDelay time.Duration, n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}
