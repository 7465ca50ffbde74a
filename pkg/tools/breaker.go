package tools

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rhuss/dialog/pkg/observability"
)

// BreakerConfig configures a Breaker. Zero fields fall back to defaults.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens a tool's
	// circuit (default 3).
	Threshold int

	// Cooldown is how long an open circuit rejects calls, measured from the
	// last failure (default 60s).
	Cooldown time.Duration
}

// CircuitState is the failure record of one tool.
type CircuitState struct {
	FailureCount  int
	LastFailureAt time.Time
	Open          bool
}

type circuit struct {
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per tool name. A tool is broken once
// it has failed Threshold times in a row and its last failure is younger
// than Cooldown. The record is cleared by a success or lazily once the
// cool-down has elapsed.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	circuits map[string]*circuit
	now      func() time.Time
}

// NewBreaker creates a Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	return &Breaker{
		cfg:      cfg,
		circuits: make(map[string]*circuit),
		now:      time.Now,
	}
}

// Allow reports whether tool may be executed.
func (b *Breaker) Allow(tool string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitLocked(tool, b.now())
	return c == nil || c.failures < b.cfg.Threshold
}

// RecordSuccess clears the failure record of tool.
func (b *Breaker) RecordSuccess(tool string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.circuits, tool)
}

// RecordFailure counts a failure of tool and reports whether this failure
// opened the circuit.
func (b *Breaker) RecordFailure(tool string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	c := b.circuitLocked(tool, now)
	if c == nil {
		c = &circuit{}
		b.circuits[tool] = c
	}
	c.failures++
	c.lastFailure = now

	opened := c.failures == b.cfg.Threshold
	if opened {
		observability.CircuitOpenTotal.WithLabelValues(tool).Inc()
		slog.Warn("circuit opened",
			"tool", tool,
			"failures", c.failures,
			"cooldown", b.cfg.Cooldown,
		)
	}
	return opened
}

// State returns the current record of tool.
func (b *Breaker) State(tool string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuitLocked(tool, b.now())
	if c == nil {
		return CircuitState{}
	}
	return CircuitState{
		FailureCount:  c.failures,
		LastFailureAt: c.lastFailure,
		Open:          c.failures >= b.cfg.Threshold,
	}
}

// RetryIn returns how long an open circuit stays open, or 0.
func (b *Breaker) RetryIn(tool string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	c := b.circuitLocked(tool, now)
	if c == nil || c.failures < b.cfg.Threshold {
		return 0
	}
	return c.lastFailure.Add(b.cfg.Cooldown).Sub(now)
}

// circuitLocked returns the live record of tool, dropping it first when its
// cool-down has elapsed.
func (b *Breaker) circuitLocked(tool string, now time.Time) *circuit {
	c, ok := b.circuits[tool]
	if !ok {
		return nil
	}
	if now.Sub(c.lastFailure) >= b.cfg.Cooldown {
		delete(b.circuits, tool)
		return nil
	}
	return c
}
