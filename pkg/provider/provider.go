package provider

import "context"

// Provider abstracts an LLM completion endpoint.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai-compatible").
	Name() string

	// Complete performs one non-streaming round.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream performs one streaming round. The returned channel receives
	// Event values in arrival order and is closed by the provider after
	// the terminal EventDone or EventError.
	Stream(ctx context.Context, req *Request) (<-chan Event, error)

	// Close releases provider resources (HTTP clients, connections).
	Close() error
}
