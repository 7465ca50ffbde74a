package openaicompat

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/rhuss/dialog/pkg/api"
	"github.com/rhuss/dialog/pkg/provider"
)

// TranslateToChat converts a provider.Request into a ChatCompletionRequest
// suitable for the /v1/chat/completions endpoint.
func TranslateToChat(req *provider.Request) ChatCompletionRequest {
	cr := ChatCompletionRequest{
		Model:           req.Model,
		ReasoningEffort: req.Effort,
		Stream:          req.Stream,
	}

	// When streaming, enable usage reporting in the stream.
	if req.Stream {
		cr.StreamOptions = &ChatStreamOptions{IncludeUsage: true}
	}

	for _, t := range req.Turns {
		cm := ChatMessage{
			Role:       string(t.Role),
			ToolCallID: t.ToolCallID,
		}
		// Assistant turns that only carry tool calls send a null content.
		if t.Content != "" || t.Role != api.RoleAssistant {
			cm.Content = t.Content
		}
		for _, tc := range t.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, ChatToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: ChatFunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		cr.Messages = append(cr.Messages, cm)
	}

	for _, def := range req.Tools {
		var params json.RawMessage
		if def.Parameters != nil {
			b, err := json.Marshal(def.Parameters)
			if err != nil {
				slog.Warn("dropping unserializable tool schema", "tool", def.Name, "error", err)
			} else {
				params = b
			}
		}
		cr.Tools = append(cr.Tools, ChatTool{
			Type: "function",
			Function: ChatFunctionDef{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	if len(cr.Tools) > 0 {
		cr.ToolChoice = "auto"
	}

	return cr
}

// TranslateResponse converts a ChatCompletionResponse into a provider.Response.
// It uses only choices[0].
func TranslateResponse(resp *ChatCompletionResponse) *provider.Response {
	pr := &provider.Response{Model: resp.Model}

	if resp.Usage != nil {
		pr.Usage = translateUsage(resp.Usage)
	}

	if len(resp.Choices) == 0 {
		return pr
	}

	choice := resp.Choices[0]
	pr.FinishReason = choice.FinishReason
	pr.Content = ExtractContentString(choice.Message.Content)
	pr.Sources = appendSources(nil, choice.Message.Annotations)

	for _, tc := range choice.Message.ToolCalls {
		pr.ToolCalls = append(pr.ToolCalls, api.ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	pr.ToolCalls = finalizeToolCalls(pr.ToolCalls)

	return pr
}

// finalizeToolCalls freezes assembled tool calls: missing ids get a
// synthetic one, empty arguments become "{}", and arguments that are not a
// JSON object mark the call Incomplete.
func finalizeToolCalls(calls []api.ToolCallRequest) []api.ToolCallRequest {
	for i := range calls {
		c := &calls[i]
		if c.ID == "" {
			c.ID = api.NewCallID()
		}
		if strings.TrimSpace(c.Arguments) == "" {
			c.Arguments = "{}"
			continue
		}
		if !isJSONObject(c.Arguments) {
			c.Incomplete = true
		}
	}
	return calls
}

func isJSONObject(s string) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal([]byte(s), &obj) == nil
}

// appendSources adds url_citation annotations to sources, skipping
// duplicate URLs.
func appendSources(sources []api.Source, annotations []ChatAnnotation) []api.Source {
	for _, ann := range annotations {
		if ann.Type != "url_citation" || ann.URLCitation == nil {
			continue
		}
		u := strings.TrimSpace(ann.URLCitation.URL)
		if u == "" || hasSource(sources, u) {
			continue
		}
		sources = append(sources, api.Source{
			URL:   u,
			Title: strings.TrimSpace(ann.URLCitation.Title),
		})
	}
	return sources
}

func hasSource(sources []api.Source, url string) bool {
	for _, s := range sources {
		if s.URL == url {
			return true
		}
	}
	return false
}

func translateUsage(u *ChatUsage) api.Usage {
	usage := api.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	return usage
}

// ExtractContentString attempts to get a plain string from the message content.
// The content field in Chat Completions can be a string, null, or an array
// of text parts.
func ExtractContentString(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, part := range v {
			m, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				sb.WriteString(text)
			}
		}
		return sb.String()
	default:
		return ""
	}
}
