package tools

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhuss/dialog/pkg/api"
)

// countingTool records how often it runs and delegates to fn.
type countingTool struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context, args map[string]any) (any, error)
}

func (c *countingTool) Name() string               { return c.name }
func (c *countingTool) Description() string        { return "test tool" }
func (c *countingTool) Parameters() map[string]any { return nil }
func (c *countingTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	c.calls.Add(1)
	return c.fn(ctx, args)
}

func newTestExecutor(t *testing.T, cfg ExecutorConfig, tools ...Tool) *Executor {
	t.Helper()
	r, err := NewRegistry(tools...)
	require.NoError(t, err)
	return NewExecutor(r, NewBreaker(BreakerConfig{}), cfg)
}

func TestExecuteSuccess(t *testing.T) {
	e := newTestExecutor(t, ExecutorConfig{}, echoTool("search", searchSchema))

	res := e.Execute(context.Background(), "search", map[string]any{"query": "go"}, ExecContext{})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{"query": "go"}, res.Result)
	assert.GreaterOrEqual(t, res.ExecutionTimeMs, int64(0))
}

func TestExecuteUnknownTool(t *testing.T) {
	e := newTestExecutor(t, ExecutorConfig{})
	res := e.Execute(context.Background(), "missing", nil, ExecContext{})
	assert.False(t, res.Success)
	assert.False(t, res.Retryable)
	assert.Contains(t, res.Error, "unknown tool")
}

func TestExecuteSchemaViolationDoesNotTripBreaker(t *testing.T) {
	e := newTestExecutor(t, ExecutorConfig{}, echoTool("search", searchSchema))

	for i := 0; i < 5; i++ {
		res := e.Execute(context.Background(), "search", map[string]any{"limit": 2}, ExecContext{})
		assert.False(t, res.Success)
		assert.False(t, res.Retryable)
	}
	assert.Equal(t, 0, e.breaker.State("search").FailureCount)
}

func TestExecuteTimeoutIsRetryable(t *testing.T) {
	slow := &countingTool{name: "slow", fn: func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := newTestExecutor(t, ExecutorConfig{DefaultTimeout: 20 * time.Millisecond}, slow)

	res := e.Execute(context.Background(), "slow", nil, ExecContext{})
	assert.False(t, res.Success)
	assert.True(t, res.Retryable)
	assert.Contains(t, res.Error, "timed out")
}

func TestExecuteAbandonsToolIgnoringDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := &countingTool{name: "stuck", fn: func(context.Context, map[string]any) (any, error) {
		<-release
		return "late", nil
	}}
	e := newTestExecutor(t, ExecutorConfig{DefaultTimeout: 20 * time.Millisecond}, stuck)

	start := time.Now()
	res := e.Execute(context.Background(), "stuck", nil, ExecContext{})
	assert.False(t, res.Success)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecuteRecoversPanic(t *testing.T) {
	bad := &countingTool{name: "bad", fn: func(context.Context, map[string]any) (any, error) {
		panic("nil map")
	}}
	e := newTestExecutor(t, ExecutorConfig{}, bad)

	res := e.Execute(context.Background(), "bad", nil, ExecContext{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "panicked")
	assert.True(t, strings.HasPrefix(res.Error, string(api.CodeToolExecution)+": "), res.Error)
	assert.Equal(t, 1, e.breaker.State("bad").FailureCount)
}

func TestBrokenToolShortCircuits(t *testing.T) {
	failing := &countingTool{name: "flaky", fn: func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("upstream exploded")
	}}
	e := newTestExecutor(t, ExecutorConfig{}, failing)

	for i := 0; i < 3; i++ {
		res := e.Execute(context.Background(), "flaky", nil, ExecContext{})
		require.False(t, res.Success)
	}
	require.Equal(t, int32(3), failing.calls.Load())

	res := e.Execute(context.Background(), "flaky", nil, ExecContext{})
	assert.Equal(t, api.ToolExecutionResult{Success: false, Retryable: false, Error: res.Error}, res)
	assert.Equal(t, int32(3), failing.calls.Load(), "execute must not run while the circuit is open")
}

func TestExecuteRespectsAllowedTools(t *testing.T) {
	tool := &countingTool{name: "search", fn: func(context.Context, map[string]any) (any, error) { return "ok", nil }}
	e := newTestExecutor(t, ExecutorConfig{}, tool)

	res := e.Execute(context.Background(), "search", nil, ExecContext{AllowedTools: []string{"fetch"}})
	assert.False(t, res.Success)
	assert.Equal(t, int32(0), tool.calls.Load())
}

func TestExecuteCallRejectsIncompleteArguments(t *testing.T) {
	tool := &countingTool{name: "search", fn: func(context.Context, map[string]any) (any, error) { return "ok", nil }}
	e := newTestExecutor(t, ExecutorConfig{}, tool)

	res := e.ExecuteCall(context.Background(), api.ToolCallRequest{ID: "c1", Name: "search", Arguments: `{"query":"g`}, ExecContext{})
	assert.False(t, res.Success)
	assert.False(t, res.Retryable)
	assert.Equal(t, int32(0), tool.calls.Load())

	res = e.ExecuteCall(context.Background(), api.ToolCallRequest{ID: "c2", Name: "search", Arguments: ""}, ExecContext{})
	assert.True(t, res.Success, "empty arguments decode to an empty object")
}

func TestTimeoutScaling(t *testing.T) {
	e := NewExecutor(nil, nil, ExecutorConfig{
		DefaultTimeout:     10 * time.Second,
		Timeouts:           map[string]time.Duration{"search": 4 * time.Second},
		PersonaMultipliers: map[string]float64{"fast": 0.5, "careful": 1.25, "slow": 3},
	})

	tests := []struct {
		tool, persona string
		want          time.Duration
	}{
		{"other", "", 10 * time.Second},
		{"search", "", 4 * time.Second},
		{"search", "careful", 5 * time.Second},
		{"search", "fast", 3200 * time.Millisecond},
		{"other", "slow", 15 * time.Second},
		{"other", "unknown", 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Timeout(tt.tool, tt.persona), "Timeout(%s, %s)", tt.tool, tt.persona)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.DeadlineExceeded, true},
		{api.NewRateLimitError("x", 0), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("temporary failure in name resolution"), true},
		{errors.New("Network unreachable"), true},
		{errors.New("invalid query"), false},
		{errors.New("permission denied"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransient(tt.err), "IsTransient(%v)", tt.err)
	}
}
