package engine

import (
	"context"
	"fmt"

	"github.com/rhuss/dialog/pkg/api"
	"github.com/rhuss/dialog/pkg/provider"
	"github.com/rhuss/dialog/pkg/ratelimit"
	"github.com/rhuss/dialog/pkg/retry"
	"github.com/rhuss/dialog/pkg/tools"
)

// Dependencies are the process-wide services an Engine routes every round
// through. They are constructed once and shared by reference; any of them
// may be nil.
type Dependencies struct {
	// Limiter gates rounds on the shared token/request budget.
	Limiter *ratelimit.Limiter

	// Estimator sizes the budget debit of a round. Defaults to an
	// estimator for Config.DefaultModel.
	Estimator *ratelimit.Estimator

	// Retry wraps each round; its admitter is normally the request queue.
	// Defaults to an executor without queue or penalizer.
	Retry *retry.Executor

	// Tools executes model tool calls. Nil means no tools are offered.
	Tools *tools.Executor
}

// Engine orchestrates conversations between a provider and registered tools.
// It is safe for concurrent use; each conversation is owned by one call.
type Engine struct {
	provider  provider.Provider
	limiter   *ratelimit.Limiter
	estimator *ratelimit.Estimator
	retry     *retry.Executor
	tools     *tools.Executor
	cfg       Config
}

// New creates a new Engine. The provider must not be nil.
func New(p provider.Provider, deps Dependencies, cfg Config) (*Engine, error) {
	if p == nil {
		return nil, fmt.Errorf("engine: provider must not be nil")
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	if deps.Estimator == nil {
		deps.Estimator = ratelimit.NewEstimator(cfg.DefaultModel)
	}
	if deps.Retry == nil {
		var penalizer retry.Penalizer
		if deps.Limiter != nil {
			penalizer = deps.Limiter
		}
		deps.Retry = retry.NewExecutor(nil, penalizer)
	}
	return &Engine{
		provider:  p,
		limiter:   deps.Limiter,
		estimator: deps.Estimator,
		retry:     deps.Retry,
		tools:     deps.Tools,
		cfg:       cfg,
	}, nil
}

// GenerateOptions are the per-call hints of the text-generation contract.
type GenerateOptions struct {
	// Model overrides Config.DefaultModel.
	Model string

	// Effort is forwarded to the endpoint as reasoning effort.
	Effort string

	// Persona scales tool deadlines.
	Persona string

	// SystemPrompt overrides Config.SystemPrompt.
	SystemPrompt string

	// AllowedTools restricts the tools offered and executed. Empty allows all.
	AllowedTools []string
}

// ToolCallRecord is one executed tool call.
type ToolCallRecord struct {
	ID        string                  `json:"id"`
	Name      string                  `json:"name"`
	Arguments string                  `json:"arguments"`
	Iteration int                     `json:"iteration"`
	Result    api.ToolExecutionResult `json:"result"`
}

// Result is the outcome of a finished conversation.
type Result struct {
	ConversationID       string           `json:"conversation_id"`
	Text                 string           `json:"text"`
	Sources              []api.Source     `json:"sources,omitempty"`
	ToolCalls            []ToolCallRecord `json:"tool_calls,omitempty"`
	IterationCount       int              `json:"iteration_count"`
	MaxIterationsReached bool             `json:"max_iterations_reached"`
	Usage                api.Usage        `json:"usage"`
	Model                string           `json:"model,omitempty"`
}

// ChunkMetadata accompanies every streamed content chunk.
type ChunkMetadata struct {
	ConversationID string
	Iteration      int
}

// StreamHandler receives the progress of a streamed conversation. Every
// callback is optional and is invoked from the calling goroutine.
type StreamHandler struct {
	// OnChunk receives content deltas in arrival order.
	OnChunk func(chunk string, meta ChunkMetadata)

	// OnToolCall is called after each tool call, in presentation order.
	OnToolCall func(call ToolCallRecord)

	// OnComplete receives the final result.
	OnComplete func(result *Result)

	// OnError receives the error that failed the conversation. Output
	// already delivered through OnChunk is never repeated.
	OnError func(err error)
}

// Generate runs a conversation for prompt and returns the final answer.
func (e *Engine) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Result, error) {
	state := NewConversation(e.cfg.systemPrompt(opts.SystemPrompt), prompt)
	return e.Run(ctx, state, opts)
}

// GenerateStream runs a conversation for prompt, streaming content to h.
func (e *Engine) GenerateStream(ctx context.Context, prompt string, opts GenerateOptions, h StreamHandler) (*Result, error) {
	state := NewConversation(e.cfg.systemPrompt(opts.SystemPrompt), prompt)
	return e.RunStream(ctx, state, opts, h)
}

// Run drives state to completion with non-streaming rounds.
func (e *Engine) Run(ctx context.Context, state *ConversationState, opts GenerateOptions) (*Result, error) {
	return e.run(ctx, state, opts, nil)
}

// RunStream drives state to completion with streaming rounds. A failure is
// reported to h.OnError, when set, and returned.
func (e *Engine) RunStream(ctx context.Context, state *ConversationState, opts GenerateOptions, h StreamHandler) (*Result, error) {
	res, err := e.run(ctx, state, opts, &h)
	if err != nil {
		if h.OnError != nil {
			h.OnError(err)
		}
		return nil, err
	}
	if h.OnComplete != nil {
		h.OnComplete(res)
	}
	return res, nil
}

// Close releases the provider.
func (e *Engine) Close() error {
	return e.provider.Close()
}

func (e *Engine) model(opts GenerateOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return e.cfg.DefaultModel
}

func (e *Engine) toolDefinitions(allowed []string) []tools.Definition {
	if e.tools == nil {
		return nil
	}
	return tools.FilterDefinitions(e.tools.Registry().Definitions(), allowed)
}
