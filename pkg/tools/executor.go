package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/rhuss/dialog/pkg/api"
	dbg "github.com/rhuss/dialog/pkg/debug"
	"github.com/rhuss/dialog/pkg/observability"
)

// Persona multipliers are clamped to this range.
const (
	minMultiplier = 0.8
	maxMultiplier = 1.5
)

// ErrCircuitOpen is reported when a tool is rejected by its breaker.
var ErrCircuitOpen = errors.New("circuit open")

// ExecutorConfig holds tool deadlines.
type ExecutorConfig struct {
	// DefaultTimeout applies to tools without an entry in Timeouts (default 30s).
	DefaultTimeout time.Duration

	// Timeouts overrides the base deadline per tool name.
	Timeouts map[string]time.Duration

	// PersonaMultipliers scales the base deadline per persona. Values are
	// clamped to [0.8, 1.5]; unknown personas use 1.
	PersonaMultipliers map[string]float64
}

// ExecContext carries per-call information from the conversation.
type ExecContext struct {
	CallID  string
	Persona string

	// AllowedTools restricts which tools may run. Empty allows all.
	AllowedTools []string
}

// Executor runs single tool calls under a deadline, guarded by a Breaker.
type Executor struct {
	registry *Registry
	breaker  *Breaker
	cfg      ExecutorConfig
}

// NewExecutor creates an Executor. A nil breaker disables fail-fast.
func NewExecutor(registry *Registry, breaker *Breaker, cfg ExecutorConfig) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	return &Executor{registry: registry, breaker: breaker, cfg: cfg}
}

// Registry returns the registry the executor resolves tools from.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Timeout returns the deadline for tool when run for persona.
func (e *Executor) Timeout(tool, persona string) time.Duration {
	base := e.cfg.DefaultTimeout
	if d, ok := e.cfg.Timeouts[tool]; ok && d > 0 {
		base = d
	}
	m, ok := e.cfg.PersonaMultipliers[persona]
	if !ok {
		return base
	}
	m = min(max(m, minMultiplier), maxMultiplier)
	return time.Duration(float64(base) * m)
}

// ExecuteCall decodes the arguments of a model tool call and executes it.
// Calls whose arguments never formed a complete JSON object are rejected
// without running the tool.
func (e *Executor) ExecuteCall(ctx context.Context, call api.ToolCallRequest, ec ExecContext) api.ToolExecutionResult {
	if ec.CallID == "" {
		ec.CallID = call.ID
	}
	args, err := call.DecodeArguments()
	if err != nil {
		observability.ToolExecutionsTotal.WithLabelValues(call.Name, "invalid").Inc()
		return failure(err.Error(), false, 0)
	}
	return e.Execute(ctx, call.Name, args, ec)
}

// Execute runs the named tool. It never returns an error: every outcome,
// including unknown tools, schema violations, panics and timeouts, is
// reported through the result.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any, ec ExecContext) api.ToolExecutionResult {
	if e.breaker != nil && !e.breaker.Allow(name) {
		observability.ToolExecutionsTotal.WithLabelValues(name, "circuit_open").Inc()
		dbg.Log(dbg.Tools, "tool rejected by breaker", "tool", name, "retry_in", e.breaker.RetryIn(name))
		return failure(fmt.Sprintf("tool %s is temporarily disabled: %v", name, ErrCircuitOpen), false, 0)
	}

	if !IsAllowed(name, ec.AllowedTools) {
		observability.ToolExecutionsTotal.WithLabelValues(name, "rejected").Inc()
		return failure(fmt.Sprintf("tool %s is not in the allowed tools list", name), false, 0)
	}

	tool, ok := e.registry.Get(name)
	if !ok {
		observability.ToolExecutionsTotal.WithLabelValues(name, "unknown").Inc()
		return failure(fmt.Sprintf("unknown tool %q", name), false, 0)
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := e.registry.Validate(name, args); err != nil {
		observability.ToolExecutionsTotal.WithLabelValues(name, "invalid").Inc()
		return failure(err.Error(), false, 0)
	}

	timeout := e.Timeout(name, ec.Persona)
	start := time.Now()
	result, err := runWithDeadline(ctx, tool, args, timeout)
	elapsed := time.Since(start)
	observability.ToolDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		if e.breaker != nil {
			e.breaker.RecordFailure(name)
		}
		observability.ToolExecutionsTotal.WithLabelValues(name, "error").Inc()
		slog.Warn("tool execution failed",
			"tool", name,
			"call_id", ec.CallID,
			"duration", elapsed,
			"error", err,
		)
		return failure(api.NewToolExecutionError(err.Error()).Error(), IsTransient(err), elapsed.Milliseconds())
	}

	if e.breaker != nil {
		e.breaker.RecordSuccess(name)
	}
	observability.ToolExecutionsTotal.WithLabelValues(name, "ok").Inc()
	dbg.Log(dbg.Tools, "tool executed", "tool", name, "call_id", ec.CallID, "duration", elapsed)
	return api.ToolExecutionResult{
		Success:         true,
		Result:          result,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
}

type outcome struct {
	value any
	err   error
}

// runWithDeadline races the tool against its deadline. A tool that ignores
// cancellation keeps running in the background; its late result is dropped.
func runWithDeadline(ctx context.Context, tool Tool, args map[string]any, timeout time.Duration) (any, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("tool panicked", "tool", tool.Name(), "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", tool.Name(), r)}
			}
		}()
		v, err := tool.Execute(tctx, args)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tool %s cancelled: %w", tool.Name(), ctx.Err())
		}
		return nil, fmt.Errorf("tool %s timed out after %s: %w", tool.Name(), timeout, context.DeadlineExceeded)
	}
}

func failure(msg string, retryable bool, elapsedMs int64) api.ToolExecutionResult {
	return api.ToolExecutionResult{
		Success:         false,
		Error:           msg,
		Retryable:       retryable,
		ExecutionTimeMs: elapsedMs,
	}
}
