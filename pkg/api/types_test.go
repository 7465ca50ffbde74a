package api

import (
	"encoding/json"
	"testing"
)

func TestDecodeArguments(t *testing.T) {
	tests := []struct {
		name    string
		call    ToolCallRequest
		wantLen int
		wantErr bool
	}{
		{"empty", ToolCallRequest{ID: "c1"}, 0, false},
		{"whitespace", ToolCallRequest{ID: "c1", Arguments: "  "}, 0, false},
		{"object", ToolCallRequest{ID: "c1", Arguments: `{"query":"go","limit":3}`}, 2, false},
		{"null", ToolCallRequest{ID: "c1", Arguments: `null`}, 0, false},
		{"truncated", ToolCallRequest{ID: "c1", Arguments: `{"query":`}, 0, true},
		{"array", ToolCallRequest{ID: "c1", Arguments: `[1,2]`}, 0, true},
		{"incomplete flag", ToolCallRequest{ID: "c1", Arguments: `{}`, Incomplete: true}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := tt.call.DecodeArguments()
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeArguments() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && len(args) != tt.wantLen {
				t.Errorf("len(args) = %d, want %d", len(args), tt.wantLen)
			}
		})
	}
}

func TestTurnContent(t *testing.T) {
	t.Run("string result passes through", func(t *testing.T) {
		r := ToolExecutionResult{Success: true, Result: "42 results"}
		if got := r.TurnContent(); got != "42 results" {
			t.Errorf("TurnContent() = %q", got)
		}
	})

	t.Run("structured result is serialized", func(t *testing.T) {
		r := ToolExecutionResult{Success: true, Result: map[string]any{"hits": 2}}
		if got := r.TurnContent(); got != `{"hits":2}` {
			t.Errorf("TurnContent() = %q", got)
		}
	})

	t.Run("failure carries error and retryable", func(t *testing.T) {
		r := ToolExecutionResult{Success: false, Error: "timeout", Retryable: true}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(r.TurnContent()), &decoded); err != nil {
			t.Fatalf("failure content is not JSON: %v", err)
		}
		if decoded["error"] != "timeout" || decoded["success"] != false || decoded["retryable"] != true {
			t.Errorf("decoded = %v", decoded)
		}
	})
}

func TestAssistantTurnCopiesCalls(t *testing.T) {
	calls := []ToolCallRequest{{ID: "a", Name: "search"}}
	turn := AssistantTurn("", calls)
	calls[0].Name = "mutated"
	if turn.ToolCalls[0].Name != "search" {
		t.Error("AssistantTurn must not alias the caller's slice")
	}
	if AssistantTurn("hi", nil).ToolCalls != nil {
		t.Error("no tool calls should leave ToolCalls nil")
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}
	u.Add(Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30})
	if u != (Usage{InputTokens: 11, OutputTokens: 22, TotalTokens: 33}) {
		t.Errorf("Add() = %+v", u)
	}
}

func TestRateLimitsReported(t *testing.T) {
	var r RateLimits
	if !r.Empty() {
		t.Error("zero RateLimits should be empty")
	}
	r.Reported |= FieldTokensRemaining
	if !r.Has(FieldTokensRemaining) || r.Has(FieldTokensLimit) {
		t.Errorf("Has() mismatch for %08b", r.Reported)
	}
}

func TestIDs(t *testing.T) {
	id := NewConversationID()
	if !ValidateConversationID(id) {
		t.Errorf("NewConversationID() = %q does not validate", id)
	}
	if NewConversationID() == id {
		t.Error("conversation ids should be unique")
	}
	if call := NewCallID(); len(call) != len("call_")+32 {
		t.Errorf("NewCallID() = %q, unexpected length", call)
	}
}
