package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhuss/dialog/pkg/api"
)

// fakeClock is a manually advanced clock for tests that never block.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFakeLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(cfg)
	l.now = clock.Now
	l.windowResetAt = clock.Now().Add(l.window)
	return l, clock
}

func TestWaitForCapacityDebits(t *testing.T) {
	l := New(Config{TokensPerWindow: 1000, RequestsPerWindow: 10, Window: time.Minute})

	require.NoError(t, l.WaitForCapacity(context.Background(), 300))

	b := l.Snapshot()
	assert.Equal(t, 700, b.TokensRemaining)
	assert.Equal(t, 9, b.RequestsRemaining)
}

func TestWaitForCapacityBlocksUntilWindowReset(t *testing.T) {
	window := 150 * time.Millisecond
	l := New(Config{TokensPerWindow: 100, RequestsPerWindow: 10, Window: window})

	require.NoError(t, l.WaitForCapacity(context.Background(), 80))
	resetAt := l.Snapshot().WindowResetAt

	require.NoError(t, l.WaitForCapacity(context.Background(), 50))
	assert.False(t, time.Now().Before(resetAt), "second reservation must wait for the window reset")
	assert.Equal(t, 50, l.Snapshot().TokensRemaining)
}

func TestWaitForCapacityRequestBudget(t *testing.T) {
	window := 120 * time.Millisecond
	l := New(Config{TokensPerWindow: 1000, RequestsPerWindow: 1, Window: window})

	require.NoError(t, l.WaitForCapacity(context.Background(), 1))
	resetAt := l.Snapshot().WindowResetAt
	require.NoError(t, l.WaitForCapacity(context.Background(), 1))
	assert.False(t, time.Now().Before(resetAt))
}

func TestOversizedEstimateIsClamped(t *testing.T) {
	l := New(Config{TokensPerWindow: 100, RequestsPerWindow: 10, Window: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.WaitForCapacity(ctx, 10_000))
	assert.Equal(t, 0, l.Snapshot().TokensRemaining)
}

func TestWaitForCapacityHonorsContext(t *testing.T) {
	l := New(Config{TokensPerWindow: 10, RequestsPerWindow: 10, Window: time.Hour})
	require.NoError(t, l.WaitForCapacity(context.Background(), 10))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := l.WaitForCapacity(ctx, 5)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, l.Snapshot().TokensRemaining, "a cancelled wait must not debit")
}

func TestPenaltyDelaysCallers(t *testing.T) {
	l := New(Config{TokensPerWindow: 1000, RequestsPerWindow: 10, Window: time.Minute})
	l.Penalize(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, l.WaitForCapacity(context.Background(), 1))
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestPenaltyOnlyMovesForward(t *testing.T) {
	l, _ := newFakeLimiter(Config{TokensPerWindow: 100, RequestsPerWindow: 10, Window: time.Minute})

	l.Penalize(30 * time.Second)
	long := l.Snapshot().PenaltyUntil
	l.Penalize(time.Second)
	assert.Equal(t, long, l.Snapshot().PenaltyUntil)

	l.Penalize(45 * time.Second)
	assert.True(t, l.Snapshot().PenaltyUntil.After(long))
}

func TestWindowResetKeepsActivePenalty(t *testing.T) {
	l, clock := newFakeLimiter(Config{TokensPerWindow: 100, RequestsPerWindow: 10, Window: 10 * time.Second})

	l.Penalize(25 * time.Second)
	until := l.Snapshot().PenaltyUntil

	clock.Advance(11 * time.Second)
	assert.Equal(t, until, l.Snapshot().PenaltyUntil, "active penalty survives a reset")

	clock.Advance(20 * time.Second)
	b := l.Snapshot()
	assert.True(t, b.PenaltyUntil.IsZero(), "expired penalty is cleared at a reset")
	assert.Equal(t, 100, b.TokensRemaining)
}

func TestRecordTokensUsed(t *testing.T) {
	l, _ := newFakeLimiter(Config{TokensPerWindow: 1000, RequestsPerWindow: 10, Window: time.Minute})
	require.NoError(t, l.WaitForCapacity(context.Background(), 400))

	l.RecordTokensUsed(400, 250)
	assert.Equal(t, 750, l.Snapshot().TokensRemaining, "over-estimate refunded")

	l.RecordTokensUsed(100, 5000)
	assert.Equal(t, 0, l.Snapshot().TokensRemaining, "counter never goes negative")

	l.RecordTokensUsed(5000, 0)
	assert.Equal(t, 1000, l.Snapshot().TokensRemaining, "counter never exceeds the ceiling")
}

func TestRefundWakesWaiter(t *testing.T) {
	l := New(Config{TokensPerWindow: 100, RequestsPerWindow: 10, Window: time.Hour})
	require.NoError(t, l.WaitForCapacity(context.Background(), 100))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- l.WaitForCapacity(ctx, 60)
	}()

	time.Sleep(20 * time.Millisecond)
	l.RecordTokensUsed(100, 20)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by the refund")
	}
	assert.Equal(t, 20, l.Snapshot().TokensRemaining)
}

func TestUpdateLimits(t *testing.T) {
	l, clock := newFakeLimiter(Config{TokensPerWindow: 1000, RequestsPerWindow: 10, Window: time.Minute})

	l.UpdateLimits(api.RateLimits{
		TokensLimit:       2000,
		TokensRemaining:   300,
		RequestsRemaining: 50,
		ResetTokens:       5 * time.Second,
		Reported:          api.FieldTokensLimit | api.FieldTokensRemaining | api.FieldRequestsRemaining | api.FieldResetTokens,
	})

	b := l.Snapshot()
	assert.Equal(t, 2000, b.TokenCeiling)
	assert.Equal(t, 300, b.TokensRemaining, "lower server count adopted")
	assert.Equal(t, 10, b.RequestsRemaining, "higher server count ignored")
	assert.Equal(t, clock.Now().Add(5*time.Second), b.WindowResetAt)

	clock.Advance(6 * time.Second)
	assert.Equal(t, 2000, l.Snapshot().TokensRemaining, "new ceiling used after reset")
}

func TestUpdateLimitsShrinksCeiling(t *testing.T) {
	l, _ := newFakeLimiter(Config{TokensPerWindow: 1000, RequestsPerWindow: 10, Window: time.Minute})

	l.UpdateLimits(api.RateLimits{TokensLimit: 400, Reported: api.FieldTokensLimit})

	b := l.Snapshot()
	assert.Equal(t, 400, b.TokenCeiling)
	assert.Equal(t, 400, b.TokensRemaining)
}

func TestUpdateLimitsIgnoresEmpty(t *testing.T) {
	l, _ := newFakeLimiter(Config{TokensPerWindow: 1000, RequestsPerWindow: 10, Window: time.Minute})
	before := l.Snapshot()
	l.UpdateLimits(api.RateLimits{})
	assert.Equal(t, before, l.Snapshot())
}

func TestConcurrentWaitersNeverOverdraw(t *testing.T) {
	l := New(Config{TokensPerWindow: 100, RequestsPerWindow: 1000, Window: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	granted := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.WaitForCapacity(ctx, 10) == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, granted)
	assert.Equal(t, 0, l.Snapshot().TokensRemaining)
}
