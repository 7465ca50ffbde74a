package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhuss/dialog/pkg/api"
)

func TestExecuteReturnsTaskError(t *testing.T) {
	q := New(Config{MaxConcurrent: 1})
	want := errors.New("boom")
	err := q.Execute(context.Background(), func(context.Context) error { return want })
	assert.ErrorIs(t, err, want)
	assert.Equal(t, 0, q.Active())
}

func TestPanickingTaskReleasesSlot(t *testing.T) {
	q := New(Config{MaxConcurrent: 1})
	assert.Panics(t, func() {
		_ = q.Execute(context.Background(), func(context.Context) error { panic("tool blew up") })
	})
	assert.Equal(t, 0, q.Active())

	ran := false
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Execute(ctx, func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

// submit starts tasks one at a time, waiting until each is either active or
// parked before submitting the next, so submission order is deterministic.
func submit(t *testing.T, q *Queue, n, total int, task func(id int) Task) *sync.WaitGroup {
	t.Helper()
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_ = q.Execute(context.Background(), task(id))
		}(i)
		if i < n {
			require.Eventually(t, func() bool { return q.Active() == i+1 }, time.Second, time.Millisecond)
		} else {
			require.Eventually(t, func() bool { return q.Waiting() == i-n+1 }, time.Second, time.Millisecond)
		}
	}
	return &wg
}

func TestConcurrencyBound(t *testing.T) {
	const n, k = 3, 5
	q := New(Config{MaxConcurrent: n})

	var running, maxRunning atomic.Int32
	gate := make(chan struct{})
	wg := submit(t, q, n, n+k, func(int) Task {
		return func(context.Context) error {
			cur := running.Add(1)
			for {
				prev := maxRunning.Load()
				if cur <= prev || maxRunning.CompareAndSwap(prev, cur) {
					break
				}
			}
			<-gate
			running.Add(-1)
			return nil
		}
	})

	assert.Equal(t, n, q.Active())
	assert.Equal(t, k, q.Waiting())

	close(gate)
	wg.Wait()

	assert.Equal(t, int32(n), maxRunning.Load())
	assert.Equal(t, 0, q.Active())
	assert.Equal(t, 0, q.Waiting())
}

func TestQueuedTasksRunInSubmissionOrder(t *testing.T) {
	q := New(Config{MaxConcurrent: 1})

	var mu sync.Mutex
	var order []int
	gate := make(chan struct{})
	wg := submit(t, q, 1, 5, func(id int) Task {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			<-gate
			return nil
		}
	})

	close(gate)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCancelledWaiterIsRemoved(t *testing.T) {
	q := New(Config{MaxConcurrent: 1})
	hold := make(chan struct{})
	go func() {
		_ = q.Execute(context.Background(), func(context.Context) error {
			<-hold
			return nil
		})
	}()
	require.Eventually(t, func() bool { return q.Active() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	var ran atomic.Bool
	go func() {
		errc <- q.Execute(ctx, func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return q.Waiting() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, 0, q.Waiting())
	assert.False(t, ran.Load())

	close(hold)
	require.Eventually(t, func() bool { return q.Active() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, q.Execute(context.Background(), func(context.Context) error { return nil }))
}

func TestRateLimitPausesAdmission(t *testing.T) {
	base := 80 * time.Millisecond
	q := New(Config{MaxConcurrent: 2, BaseDelay: base, MaxDelay: time.Second})

	err := q.Execute(context.Background(), func(context.Context) error {
		return api.NewRateLimitError("slow down", 0)
	})
	require.True(t, api.IsRateLimit(err))
	assert.False(t, q.PausedUntil().IsZero())

	start := time.Now()
	require.NoError(t, q.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.GreaterOrEqual(t, time.Since(start), base-10*time.Millisecond)
	assert.True(t, q.PausedUntil().IsZero())
}

func TestConsecutiveRateLimitsGrowPause(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, BaseDelay: 20 * time.Millisecond, MaxDelay: time.Second})
	throttled := func(context.Context) error { return api.NewRateLimitError("x", 0) }

	_ = q.Execute(context.Background(), throttled)
	_ = q.Execute(context.Background(), throttled)
	q.mu.Lock()
	assert.Equal(t, 2, q.consecutive)
	q.mu.Unlock()

	require.NoError(t, q.Execute(context.Background(), func(context.Context) error { return nil }))
	q.mu.Lock()
	assert.Equal(t, 0, q.consecutive, "success resets the backoff counter")
	q.mu.Unlock()
}

func TestOtherErrorsDoNotPause(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, BaseDelay: time.Hour, MaxDelay: time.Hour})
	_ = q.Execute(context.Background(), func(context.Context) error { return api.NewAPIError(500, "x") })
	assert.True(t, q.PausedUntil().IsZero())
}

func TestPauseDelay(t *testing.T) {
	base, maxDelay := time.Second, 10*time.Second
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pauseDelay(base, maxDelay, tt.n), "pauseDelay(n=%d)", tt.n)
	}
}
