package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rhuss/dialog/pkg/api"
	"github.com/rhuss/dialog/pkg/provider"
	"github.com/rhuss/dialog/pkg/tools"
)

type recordingObserver struct {
	mu     sync.Mutex
	limits []api.RateLimits
}

func (o *recordingObserver) UpdateLimits(l api.RateLimits) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.limits = append(o.limits, l)
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.limits)
}

func testRequest() *provider.Request {
	return &provider.Request{
		Model:  "test-model",
		Effort: "low",
		Turns: []api.Turn{
			api.SystemTurn("You are helpful."),
			api.UserTurn("Find Go tutorials"),
		},
		Tools: []tools.Definition{{
			Name:        "search",
			Description: "Web search",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"query": map[string]any{"type": "string"}},
			},
		}},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_Complete(t *testing.T) {
	obs := &recordingObserver{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected path /v1/chat/completions, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected Authorization %q", got)
		}

		var chatReq ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&chatReq); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if chatReq.Model != "test-model" || chatReq.ReasoningEffort != "low" {
			t.Errorf("model/effort = %q/%q", chatReq.Model, chatReq.ReasoningEffort)
		}
		if chatReq.Stream {
			t.Error("expected stream to be false")
		}
		if len(chatReq.Messages) != 2 || chatReq.Messages[1].Role != "user" {
			t.Errorf("unexpected messages %+v", chatReq.Messages)
		}
		if len(chatReq.Tools) != 1 || chatReq.Tools[0].Function.Name != "search" {
			t.Errorf("unexpected tools %+v", chatReq.Tools)
		}

		w.Header().Set("x-ratelimit-remaining-tokens", "1200")
		writeJSON(w, http.StatusOK, ChatCompletionResponse{
			Model: "test-model",
			Choices: []ChatChoice{{
				Message: ChatMessage{
					Role: "assistant",
					ToolCalls: []ChatToolCall{{
						ID:       "call_1",
						Type:     "function",
						Function: ChatFunctionCall{Name: "search", Arguments: `{"query":"go"}`},
					}},
				},
				FinishReason: "tool_calls",
			}},
			Usage: &ChatUsage{PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "sk-test", 0, WithRateLimitObserver(obs))
	defer c.Close()

	resp, err := c.Complete(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "search" {
		t.Fatalf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if resp.Usage.TotalTokens != 25 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if obs.count() != 1 {
		t.Errorf("expected rate limits observed once, got %d", obs.count())
	}
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		headers       map[string]string
		wantCode      api.ErrorCode
		wantRetryable bool
		wantAfter     time.Duration
	}{
		{name: "rate limit with hint", status: 429, headers: map[string]string{"Retry-After": "5"}, wantCode: api.CodeRateLimit, wantRetryable: true, wantAfter: 5 * time.Second},
		{name: "server error", status: 503, wantCode: api.CodeAPI, wantRetryable: true},
		{name: "bad request", status: 400, wantCode: api.CodeAPI},
		{name: "unauthorized", status: 401, wantCode: api.CodeAPI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				resp := ChatErrorResponse{}
				resp.Error.Message = "nope"
				writeJSON(w, tt.status, resp)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "", time.Second)
			_, err := c.Complete(context.Background(), testRequest())

			apiErr, ok := api.AsAPIError(err)
			if !ok {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.Code != tt.wantCode || apiErr.Status != tt.status {
				t.Errorf("got %s/%d, want %s/%d", apiErr.Code, apiErr.Status, tt.wantCode, tt.status)
			}
			if apiErr.Message != "nope" {
				t.Errorf("message = %q", apiErr.Message)
			}
			if api.IsRetryable(err) != tt.wantRetryable {
				t.Errorf("retryable = %v, want %v", api.IsRetryable(err), tt.wantRetryable)
			}
			if apiErr.RetryAfter != tt.wantAfter {
				t.Errorf("retry after = %v, want %v", apiErr.RetryAfter, tt.wantAfter)
			}
		})
	}
}

func TestClient_NetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(url, "", time.Second)
	_, err := c.Complete(context.Background(), testRequest())
	apiErr, ok := api.AsAPIError(err)
	if !ok || apiErr.Status != http.StatusBadGateway {
		t.Fatalf("expected 502 api_error, got %v", err)
	}
	if !api.IsRetryable(err) {
		t.Error("expected network error to be retryable")
	}
}

func TestClient_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("expected Accept text/event-stream, got %q", r.Header.Get("Accept"))
		}
		var chatReq ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&chatReq)
		if !chatReq.Stream || chatReq.StreamOptions == nil || !chatReq.StreamOptions.IncludeUsage {
			t.Error("expected streaming request with usage")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range []string{
			sseLine(t, contentChunk("Let me ")),
			sseLine(t, contentChunk("check.")),
			sseLine(t, toolChunk(0, "call_1", "search", `{"query":`)),
			sseLine(t, toolChunk(0, "", "", `"go"}`)),
			sseLine(t, finishChunk("tool_calls")),
			"data: [DONE]\n\n",
		} {
			_, _ = w.Write([]byte(line))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	ch, err := c.Stream(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var (
		text  strings.Builder
		types []provider.EventType
		done  *provider.Response
	)
	for ev := range ch {
		types = append(types, ev.Type)
		switch ev.Type {
		case provider.EventContentDelta:
			text.WriteString(ev.Delta)
		case provider.EventDone:
			done = ev.Response
		case provider.EventError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}

	if text.String() != "Let me check." {
		t.Errorf("streamed text = %q", text.String())
	}
	if done == nil {
		t.Fatal("expected done event")
	}
	if types[len(types)-1] != provider.EventDone {
		t.Errorf("last event = %s, want done", types[len(types)-1])
	}
	if len(done.ToolCalls) != 1 || done.ToolCalls[0].Arguments != `{"query":"go"}` {
		t.Errorf("unexpected tool calls %+v", done.ToolCalls)
	}
}

func TestClient_StreamTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseLine(t, contentChunk("The answer is"))))
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	ch, err := c.Stream(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var (
		text    strings.Builder
		last    provider.Event
		gotDone bool
	)
	for ev := range ch {
		switch ev.Type {
		case provider.EventContentDelta:
			text.WriteString(ev.Delta)
		case provider.EventDone:
			gotDone = true
		}
		last = ev
	}

	if text.String() != "The answer is" {
		t.Errorf("streamed text = %q", text.String())
	}
	if gotDone {
		t.Fatal("truncated stream must not end with a done event")
	}
	if last.Type != provider.EventError || api.CodeOf(last.Err) != api.CodeStream {
		t.Fatalf("last event = %s (%v), want stream_error", last.Type, last.Err)
	}
}

func TestClient_StreamRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	_, err := c.Stream(context.Background(), testRequest())
	apiErr, ok := api.AsAPIError(err)
	if !ok || apiErr.Code != api.CodeRateLimit || apiErr.RetryAfter != 2*time.Second {
		t.Fatalf("expected rate limit with 2s hint, got %v", err)
	}
}

func fastBackground() Option {
	return WithBackground(BackgroundConfig{
		PollInitial: 5 * time.Millisecond,
		PollMax:     20 * time.Millisecond,
		MaxWait:     500 * time.Millisecond,
	})
}

func TestClient_BackgroundTaskSucceeds(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, BackgroundTask{ID: "task_1", Status: TaskQueued, PollURL: "/v1/tasks/task_1"})
	})
	mux.HandleFunc("/v1/tasks/task_1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			writeJSON(w, http.StatusOK, BackgroundTask{ID: "task_1", Status: TaskRunning})
			return
		}
		writeJSON(w, http.StatusOK, BackgroundTask{
			ID:     "task_1",
			Status: TaskSucceeded,
			Result: &ChatCompletionResponse{Choices: []ChatChoice{{
				Message:      ChatMessage{Role: "assistant", Content: "done in background"},
				FinishReason: "stop",
			}}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second, fastBackground())

	resp, err := c.Complete(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "done in background" {
		t.Errorf("content = %q", resp.Content)
	}
	if polls.Load() != 3 {
		t.Errorf("expected 3 polls, got %d", polls.Load())
	}

	ch, err := c.Stream(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	var last provider.Event
	for ev := range ch {
		last = ev
	}
	if last.Type != provider.EventDone || last.Response.Content != "done in background" {
		t.Errorf("unexpected final stream event %+v", last)
	}
}

func TestClient_BackgroundTaskFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   string
		location bool
		wantCode api.ErrorCode
	}{
		{name: "failed", status: TaskFailed, wantCode: api.CodeBackgroundTask},
		{name: "cancelled via location header", status: TaskCancelled, location: true, wantCode: api.CodeBackgroundTask},
		{name: "never finishes", status: TaskRunning, wantCode: api.CodeBackgroundTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
				task := BackgroundTask{ID: "task_2", Status: TaskQueued}
				if tt.location {
					w.Header().Set("Location", "/v1/tasks/task_2")
				} else {
					task.PollURL = "/v1/tasks/task_2"
				}
				writeJSON(w, http.StatusAccepted, task)
			})
			mux.HandleFunc("/v1/tasks/task_2", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, BackgroundTask{ID: "task_2", Status: tt.status})
			})
			srv := httptest.NewServer(mux)
			defer srv.Close()

			c := NewClient(srv.URL, "", time.Second, WithBackground(BackgroundConfig{
				PollInitial: 5 * time.Millisecond,
				PollMax:     10 * time.Millisecond,
				MaxWait:     60 * time.Millisecond,
			}))
			_, err := c.Complete(context.Background(), testRequest())

			if api.CodeOf(err) != tt.wantCode {
				t.Fatalf("expected %s, got %v", tt.wantCode, err)
			}
			if api.IsRetryable(err) {
				t.Error("background failures must not be retried")
			}
		})
	}
}

func TestClient_BackgroundWithoutPollLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, BackgroundTask{ID: "task_3", Status: TaskQueued})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second, fastBackground())
	_, err := c.Complete(context.Background(), testRequest())
	if api.CodeOf(err) != api.CodeBackgroundTask {
		t.Fatalf("expected background_task_error, got %v", err)
	}
}
