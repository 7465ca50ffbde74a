package engine

import "github.com/rhuss/dialog/pkg/retry"

// DefaultSystemPrompt seeds conversations that supply no system prompt.
const DefaultSystemPrompt = "You are a helpful assistant. Use the available tools when they help answer the question, then give a concise final answer."

// Config holds configuration for the engine.
type Config struct {
	// DefaultModel is used when GenerateOptions omits the model hint.
	DefaultModel string

	// SystemPrompt seeds every conversation unless overridden per call.
	SystemPrompt string

	// MaxIterations caps the number of model rounds per conversation.
	// Zero or negative means the default of 5.
	MaxIterations int

	// ParallelTools runs the tool calls of one assistant turn concurrently.
	// Tool turns are still appended in presentation order.
	ParallelTools bool

	// Retry is the policy applied to every model round.
	Retry retry.Policy
}

// maxIterations returns the effective iteration cap, defaulting to 5.
func (c Config) maxIterations() int {
	if c.MaxIterations <= 0 {
		return 5
	}
	return c.MaxIterations
}

func (c Config) systemPrompt(override string) string {
	switch {
	case override != "":
		return override
	case c.SystemPrompt != "":
		return c.SystemPrompt
	default:
		return DefaultSystemPrompt
	}
}
