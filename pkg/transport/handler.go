package transport

import (
	"context"
	"strings"

	"github.com/rhuss/dialog/pkg/api"
	"github.com/rhuss/dialog/pkg/engine"
)

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	Prompt       string   `json:"prompt"`
	Model        string   `json:"model,omitempty"`
	Effort       string   `json:"effort,omitempty"`
	Persona      string   `json:"persona,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	Stream       bool     `json:"stream,omitempty"`
}

// Validate rejects requests the engine cannot run.
func (r *GenerateRequest) Validate() *api.APIError {
	if strings.TrimSpace(r.Prompt) == "" {
		return api.NewInvalidRequestError("prompt is required")
	}
	return nil
}

// Options converts the request hints into engine options.
func (r *GenerateRequest) Options() engine.GenerateOptions {
	return engine.GenerateOptions{
		Model:        r.Model,
		Effort:       r.Effort,
		Persona:      r.Persona,
		SystemPrompt: r.SystemPrompt,
		AllowedTools: r.AllowedTools,
	}
}

// EventType names a streamed event.
type EventType string

const (
	EventChunk     EventType = "chunk"
	EventToolCall  EventType = "tool_call"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
)

// Terminal reports whether no event may follow t.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventError
}

// Event is one server-sent event of a streamed conversation.
type Event struct {
	Type           EventType              `json:"type"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Iteration      int                    `json:"iteration,omitempty"`
	Delta          string                 `json:"delta,omitempty"`
	ToolCall       *engine.ToolCallRecord `json:"tool_call,omitempty"`
	Result         *engine.Result         `json:"result,omitempty"`
	Error          *api.APIError          `json:"error,omitempty"`
}

// Handler runs one generate request.
type Handler interface {
	Generate(ctx context.Context, req *GenerateRequest, w ResponseWriter) error
}

// HandlerFunc is an adapter that allows using an ordinary function as a
// Handler.
type HandlerFunc func(ctx context.Context, req *GenerateRequest, w ResponseWriter) error

// Generate calls f(ctx, req, w).
func (f HandlerFunc) Generate(ctx context.Context, req *GenerateRequest, w ResponseWriter) error {
	return f(ctx, req, w)
}

// ResponseWriter abstracts streaming and non-streaming output.
//
// WriteEvent and WriteResult are mutually exclusive on a single writer
// instance. Calling WriteEvent after a terminal event returns an error.
type ResponseWriter interface {
	// WriteEvent sends a single streaming event.
	WriteEvent(ctx context.Context, event Event) error

	// WriteResult sends a complete non-streaming result.
	WriteResult(ctx context.Context, result *engine.Result) error

	// Flush ensures buffered data is sent to the client.
	Flush() error
}

// Generator is the part of *engine.Engine the transport depends on.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts engine.GenerateOptions) (*engine.Result, error)
	GenerateStream(ctx context.Context, prompt string, opts engine.GenerateOptions, h engine.StreamHandler) (*engine.Result, error)
}

// NewEngineHandler serves requests with g. Streamed requests emit a chunk
// event per content delta, a tool_call event per executed call and a final
// completed event. A failed stream returns the error so the adapter can
// close the stream with an error event.
func NewEngineHandler(g Generator) Handler {
	return HandlerFunc(func(ctx context.Context, req *GenerateRequest, w ResponseWriter) error {
		if apiErr := req.Validate(); apiErr != nil {
			return apiErr
		}
		if !req.Stream {
			result, err := g.Generate(ctx, req.Prompt, req.Options())
			if err != nil {
				return err
			}
			return w.WriteResult(ctx, result)
		}

		var writeErr error
		emit := func(ev Event) {
			if writeErr != nil {
				return
			}
			writeErr = w.WriteEvent(ctx, ev)
		}
		_, err := g.GenerateStream(ctx, req.Prompt, req.Options(), engine.StreamHandler{
			OnChunk: func(chunk string, meta engine.ChunkMetadata) {
				emit(Event{Type: EventChunk, ConversationID: meta.ConversationID, Iteration: meta.Iteration, Delta: chunk})
			},
			OnToolCall: func(call engine.ToolCallRecord) {
				emit(Event{Type: EventToolCall, Iteration: call.Iteration, ToolCall: &call})
			},
			OnComplete: func(result *engine.Result) {
				emit(Event{Type: EventCompleted, ConversationID: result.ConversationID, Result: result})
			},
		})
		if err != nil {
			return err
		}
		return writeErr
	})
}
