package provider

import (
	"github.com/rhuss/dialog/pkg/api"
	"github.com/rhuss/dialog/pkg/tools"
)

// Request is one round sent to the endpoint: the full turn history plus the
// tools the model may call.
type Request struct {
	Model  string
	Effort string
	Turns  []api.Turn
	Tools  []tools.Definition
	Stream bool
}

// Response is the outcome of one round.
type Response struct {
	Content      string
	ToolCalls    []api.ToolCallRequest
	Usage        api.Usage
	Model        string
	FinishReason string
	Sources      []api.Source
}

// HasOutput reports whether the response carries content or tool calls.
func (r *Response) HasOutput() bool {
	return r != nil && (r.Content != "" || len(r.ToolCalls) > 0)
}

// EventType discriminates the Event union.
type EventType int

const (
	// EventContentDelta carries a text fragment in Delta.
	EventContentDelta EventType = iota

	// EventToolCallDelta carries a tool call fragment in ToolCall.
	EventToolCallDelta

	// EventDone ends the stream. Response holds the assembled round.
	EventDone

	// EventError ends the stream with Err.
	EventError
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventContentDelta:
		return "content_delta"
	case EventToolCallDelta:
		return "tool_call_delta"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one element of a streamed round. Exactly one payload field is
// set, matching Type.
type Event struct {
	Type     EventType
	Delta    string
	ToolCall *ToolCallDelta
	Response *Response
	Err      error
}

// ToolCallDelta is a fragment of a tool call, keyed by its position in the
// assistant turn. ID and Name are usually only present on the first fragment.
type ToolCallDelta struct {
	Index             int
	ID                string
	Name              string
	ArgumentsFragment string
}
