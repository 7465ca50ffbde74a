package openaicompat

import (
	"encoding/json"
	"testing"

	"github.com/rhuss/dialog/pkg/api"
	"github.com/rhuss/dialog/pkg/provider"
)

func TestTranslateToChat_Turns(t *testing.T) {
	call := api.ToolCallRequest{ID: "call_1", Name: "search", Arguments: `{"query":"go"}`}
	req := &provider.Request{
		Model: "m",
		Turns: []api.Turn{
			api.UserTurn("hi"),
			api.AssistantTurn("", []api.ToolCallRequest{call}),
			api.ToolTurn("call_1", `{"hits":3}`),
		},
	}

	cr := TranslateToChat(req)

	if len(cr.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(cr.Messages))
	}
	assistant := cr.Messages[1]
	if assistant.Content != nil {
		t.Errorf("expected null content for tool-call-only assistant turn, got %v", assistant.Content)
	}
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].Type != "function" {
		t.Errorf("unexpected tool calls %+v", assistant.ToolCalls)
	}
	tool := cr.Messages[2]
	if tool.Role != "tool" || tool.ToolCallID != "call_1" || tool.Content != `{"hits":3}` {
		t.Errorf("unexpected tool message %+v", tool)
	}
	if cr.ToolChoice != nil {
		t.Error("tool_choice must be omitted without tools")
	}

	b, err := json.Marshal(cr)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	_ = json.Unmarshal(b, &raw)
	if _, ok := raw["reasoning_effort"]; ok {
		t.Error("reasoning_effort must be omitted when empty")
	}
}

func TestTranslateResponse(t *testing.T) {
	resp := &ChatCompletionResponse{
		Model: "m",
		Choices: []ChatChoice{{
			Message: ChatMessage{
				Role:    "assistant",
				Content: []any{map[string]any{"type": "text", "text": "Go "}, map[string]any{"type": "text", "text": "rocks"}},
				Annotations: []ChatAnnotation{
					{Type: "url_citation", URLCitation: &ChatURLCitation{URL: " https://go.dev ", Title: "Go"}},
				},
				ToolCalls: []ChatToolCall{{Function: ChatFunctionCall{Name: "noop"}}},
			},
			FinishReason: "stop",
		}},
	}

	pr := TranslateResponse(resp)

	if pr.Content != "Go rocks" {
		t.Errorf("content = %q", pr.Content)
	}
	if len(pr.Sources) != 1 || pr.Sources[0].URL != "https://go.dev" {
		t.Errorf("sources = %+v", pr.Sources)
	}
	if len(pr.ToolCalls) != 1 || pr.ToolCalls[0].Arguments != "{}" || pr.ToolCalls[0].ID == "" {
		t.Errorf("tool calls = %+v", pr.ToolCalls)
	}
	if !pr.HasOutput() {
		t.Error("expected output")
	}
}

func TestTranslateResponse_NoChoices(t *testing.T) {
	pr := TranslateResponse(&ChatCompletionResponse{Usage: &ChatUsage{PromptTokens: 3}})
	if pr.HasOutput() {
		t.Error("expected no output")
	}
	if pr.Usage.InputTokens != 3 {
		t.Errorf("usage = %+v", pr.Usage)
	}
}
