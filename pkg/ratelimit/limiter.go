package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rhuss/dialog/pkg/api"
	"github.com/rhuss/dialog/pkg/debug"
	"github.com/rhuss/dialog/pkg/observability"
)

// Config seeds the budget. Zero fields fall back to defaults.
type Config struct {
	TokensPerWindow   int
	RequestsPerWindow int
	Window            time.Duration
}

const (
	defaultTokensPerWindow   = 90000
	defaultRequestsPerWindow = 60
	defaultWindow            = time.Minute
)

// Budget is a point-in-time view of the limiter state.
type Budget struct {
	TokensRemaining   int
	RequestsRemaining int
	TokenCeiling      int
	RequestCeiling    int
	WindowResetAt     time.Time
	PenaltyUntil      time.Time
}

// Limiter is the process-wide token and request budget. All methods are
// safe for concurrent use.
type Limiter struct {
	mu sync.Mutex

	tokenCeiling      int
	requestCeiling    int
	tokensRemaining   int
	requestsRemaining int
	window            time.Duration
	windowResetAt     time.Time
	penaltyUntil      time.Time

	// changed is closed and replaced whenever budget is returned or the
	// window moves, waking every waiter for a re-check.
	changed chan struct{}

	now func() time.Time
}

// New creates a Limiter with a full budget.
func New(cfg Config) *Limiter {
	if cfg.TokensPerWindow <= 0 {
		cfg.TokensPerWindow = defaultTokensPerWindow
	}
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = defaultRequestsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	l := &Limiter{
		tokenCeiling:      cfg.TokensPerWindow,
		requestCeiling:    cfg.RequestsPerWindow,
		tokensRemaining:   cfg.TokensPerWindow,
		requestsRemaining: cfg.RequestsPerWindow,
		window:            cfg.Window,
		changed:           make(chan struct{}),
		now:               time.Now,
	}
	l.windowResetAt = l.now().Add(l.window)
	observability.RateLimitTokensRemaining.Set(float64(l.tokensRemaining))
	return l
}

// WaitForCapacity blocks until estimatedTokens and one request fit in the
// budget and no penalty is active, then debits both. It only fails when ctx
// is done. Estimates above the token ceiling are clamped to the ceiling.
func (l *Limiter) WaitForCapacity(ctx context.Context, estimatedTokens int) error {
	start := time.Now()
	defer func() {
		observability.RateLimitWaitSeconds.Observe(time.Since(start).Seconds())
	}()

	for {
		l.mu.Lock()
		now := l.now()
		l.refillLocked(now)

		need := estimatedTokens
		if need > l.tokenCeiling {
			need = l.tokenCeiling
		}
		if need < 0 {
			need = 0
		}

		var wakeAt time.Time
		switch {
		case now.Before(l.penaltyUntil):
			wakeAt = l.penaltyUntil
		case l.tokensRemaining >= need && l.requestsRemaining >= 1:
			l.tokensRemaining -= need
			l.requestsRemaining--
			remaining := l.tokensRemaining
			l.mu.Unlock()
			observability.RateLimitTokensRemaining.Set(float64(remaining))
			debug.Log(debug.RateLimit, "capacity granted", "tokens", need, "tokens_remaining", remaining)
			return nil
		default:
			wakeAt = l.windowResetAt
		}
		changed := l.changed
		l.mu.Unlock()

		debug.Log(debug.RateLimit, "waiting for capacity", "tokens", need, "until", wakeAt)
		timer := time.NewTimer(wakeAt.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RecordTokensUsed reconciles a debited estimate with the actual usage
// reported by the endpoint. Over-estimates are refunded, under-estimates
// are charged, and the counter stays within [0, ceiling].
func (l *Limiter) RecordTokensUsed(estimated, actual int) {
	if actual < 0 {
		return
	}
	l.mu.Lock()
	l.refillLocked(l.now())
	l.tokensRemaining = clamp(l.tokensRemaining-(actual-estimated), 0, l.tokenCeiling)
	remaining := l.tokensRemaining
	refund := actual < estimated
	if refund {
		l.broadcastLocked()
	}
	l.mu.Unlock()
	observability.RateLimitTokensRemaining.Set(float64(remaining))
}

// Penalize makes every caller wait at least d from now. An existing longer
// penalty is kept.
func (l *Limiter) Penalize(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	until := l.now().Add(d)
	if until.After(l.penaltyUntil) {
		l.penaltyUntil = until
	}
	l.mu.Unlock()
	observability.RateLimitPenaltiesTotal.Inc()
	debug.Log(debug.RateLimit, "penalty window extended", "duration", d)
}

// UpdateLimits adapts the budget to server-reported limits. A reported
// ceiling replaces the configured one; a reported remaining count is
// adopted when it is lower than the local view; a reported reset moves the
// window boundary.
func (l *Limiter) UpdateLimits(limits api.RateLimits) {
	if limits.Empty() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.refillLocked(now)

	if limits.Has(api.FieldTokensLimit) && limits.TokensLimit > 0 {
		if limits.TokensLimit > l.tokenCeiling {
			l.tokensRemaining += limits.TokensLimit - l.tokenCeiling
		}
		l.tokenCeiling = limits.TokensLimit
	}
	if limits.Has(api.FieldRequestsLimit) && limits.RequestsLimit > 0 {
		if limits.RequestsLimit > l.requestCeiling {
			l.requestsRemaining += limits.RequestsLimit - l.requestCeiling
		}
		l.requestCeiling = limits.RequestsLimit
	}
	if limits.Has(api.FieldTokensRemaining) && limits.TokensRemaining < l.tokensRemaining {
		l.tokensRemaining = limits.TokensRemaining
	}
	if limits.Has(api.FieldRequestsRemaining) && limits.RequestsRemaining < l.requestsRemaining {
		l.requestsRemaining = limits.RequestsRemaining
	}
	l.tokensRemaining = clamp(l.tokensRemaining, 0, l.tokenCeiling)
	l.requestsRemaining = clamp(l.requestsRemaining, 0, l.requestCeiling)

	reset := max(limits.ResetTokens, limits.ResetRequests)
	if reset > 0 && reset <= l.window {
		l.windowResetAt = now.Add(reset)
	}

	observability.RateLimitTokensRemaining.Set(float64(l.tokensRemaining))
	l.broadcastLocked()
}

// Snapshot returns the current budget.
func (l *Limiter) Snapshot() Budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked(l.now())
	return Budget{
		TokensRemaining:   l.tokensRemaining,
		RequestsRemaining: l.requestsRemaining,
		TokenCeiling:      l.tokenCeiling,
		RequestCeiling:    l.requestCeiling,
		WindowResetAt:     l.windowResetAt,
		PenaltyUntil:      l.penaltyUntil,
	}
}

// refillLocked starts a new window once the reset time has passed. An
// expired penalty is cleared at the reset; an active one is left alone.
func (l *Limiter) refillLocked(now time.Time) {
	if now.Before(l.windowResetAt) {
		return
	}
	l.tokensRemaining = l.tokenCeiling
	l.requestsRemaining = l.requestCeiling
	l.windowResetAt = now.Add(l.window)
	if !now.Before(l.penaltyUntil) {
		l.penaltyUntil = time.Time{}
	}
	l.broadcastLocked()
	debug.Log(debug.RateLimit, "window reset", "tokens", l.tokenCeiling, "requests", l.requestCeiling)
}

func (l *Limiter) broadcastLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
