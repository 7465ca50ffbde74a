package tools

import "context"

// Tool is an externally registered function the model may call.
type Tool interface {
	Name() string
	Description() string

	// Parameters returns the JSON Schema of the arguments object.
	// A nil schema accepts any object.
	Parameters() map[string]any

	// Execute runs the tool. Implementations should honor ctx, since the
	// executor abandons calls that outlive their deadline.
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Definition is the model-facing description of a tool.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// DefinitionOf returns the model-facing description of t.
func DefinitionOf(t Tool) Definition {
	return Definition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
	}
}

// HandlerFunc is the body of a Function tool.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Function adapts a plain Go function to the Tool interface.
type Function struct {
	name        string
	description string
	parameters  map[string]any
	handler     HandlerFunc
}

var _ Tool = (*Function)(nil)

// NewFunction creates a Tool from a handler.
func NewFunction(name, description string, parameters map[string]any, handler HandlerFunc) *Function {
	return &Function{
		name:        name,
		description: description,
		parameters:  parameters,
		handler:     handler,
	}
}

func (f *Function) Name() string               { return f.name }
func (f *Function) Description() string        { return f.description }
func (f *Function) Parameters() map[string]any { return f.parameters }

func (f *Function) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f.handler(ctx, args)
}
