package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a Turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one entry in the conversation history. A Turn is never modified
// after it has been appended to a history.
type Turn struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// SystemTurn creates a system turn.
func SystemTurn(content string) Turn {
	return Turn{Role: RoleSystem, Content: content}
}

// UserTurn creates a user turn.
func UserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content}
}

// AssistantTurn creates an assistant turn. The tool call slice is copied.
func AssistantTurn(content string, calls []ToolCallRequest) Turn {
	t := Turn{Role: RoleAssistant, Content: content}
	if len(calls) > 0 {
		t.ToolCalls = append([]ToolCallRequest(nil), calls...)
	}
	return t
}

// ToolTurn creates a tool turn answering the call with the given id.
func ToolTurn(callID, content string) Turn {
	return Turn{Role: RoleTool, Content: content, ToolCallID: callID}
}

// ToolCallRequest is a model-requested tool invocation. While streaming,
// Arguments accumulates raw fragments; once the stream ends it holds the
// complete JSON object text. Incomplete is set when the assembled arguments
// never formed valid JSON.
type ToolCallRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Incomplete bool   `json:"-"`
}

// DecodeArguments parses Arguments into a JSON object. Empty arguments decode
// to an empty map.
func (c ToolCallRequest) DecodeArguments() (map[string]any, error) {
	if c.Incomplete {
		return nil, fmt.Errorf("tool call %s: arguments are incomplete", c.ID)
	}
	raw := strings.TrimSpace(c.Arguments)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("tool call %s: invalid arguments: %w", c.ID, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// ToolExecutionResult is the uniform outcome of one tool call.
type ToolExecutionResult struct {
	Success         bool   `json:"success"`
	Result          any    `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	Retryable       bool   `json:"retryable"`
}

// TurnContent renders the result as the content of a tool turn: the
// serialized result on success, an error object otherwise.
func (r ToolExecutionResult) TurnContent() string {
	if !r.Success {
		b, _ := json.Marshal(struct {
			Error     string `json:"error"`
			Success   bool   `json:"success"`
			Retryable bool   `json:"retryable"`
		}{r.Error, false, r.Retryable})
		return string(b)
	}
	if s, ok := r.Result.(string); ok {
		return s
	}
	b, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Sprintf("%v", r.Result)
	}
	return string(b)
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// Source is a citation returned alongside generated text.
type Source struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// RateLimits is the budget metadata an endpoint reports with its responses.
// Zero values mean "not reported".
type RateLimits struct {
	RequestsLimit     int
	RequestsRemaining int
	TokensLimit       int
	TokensRemaining   int
	ResetRequests     time.Duration
	ResetTokens       time.Duration

	// Reported marks which counters were present, so a reported zero can be
	// told apart from a missing header.
	Reported RateLimitFields
}

// RateLimitFields is a bit set of reported RateLimits fields.
type RateLimitFields uint8

const (
	FieldRequestsLimit RateLimitFields = 1 << iota
	FieldRequestsRemaining
	FieldTokensLimit
	FieldTokensRemaining
	FieldResetRequests
	FieldResetTokens
)

// Has reports whether f is set.
func (r RateLimits) Has(f RateLimitFields) bool {
	return r.Reported&f != 0
}

// Empty reports whether no field was reported.
func (r RateLimits) Empty() bool {
	return r.Reported == 0
}
