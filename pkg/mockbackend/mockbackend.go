// Package mockbackend serves a deterministic Chat Completions endpoint for
// manual end-to-end runs and tests.
//
// A request that offers tools and carries no tool results yet is answered
// with a call of the first tool, passing the last user message as query.
// Every other request is answered with a final text that cites one source.
// Streamed tool arguments are split into five fragments.
package mockbackend

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/dialog/pkg/provider/openaicompat"
)

// Options tunes the behavior of the mock.
type Options struct {
	// Model is reported when the request names none (default "mock-model").
	Model string

	// ThrottleEvery answers every n-th completion request with 429.
	// Zero disables throttling.
	ThrottleEvery int

	// RetryAfter is sent with throttled answers (default 1s).
	RetryAfter time.Duration

	// Background answers completion requests with 202 and a poll location.
	Background bool

	// PendingPolls is the number of polls answered as running before a
	// background task succeeds.
	PendingPolls int
}

type task struct {
	polls  int
	result *openaicompat.ChatCompletionResponse
}

// Server is the mock endpoint. It is safe for concurrent use.
type Server struct {
	opts Options

	mu       sync.Mutex
	requests int
	tasks    map[string]*task
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Model == "" {
		opts.Model = "mock-model"
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = time.Second
	}
	return &Server{opts: opts, tasks: make(map[string]*task)}
}

// Handler returns the routes of the mock.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleTask)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return mux
}

// Requests returns the number of completion requests received.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openaicompat.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	s.mu.Lock()
	s.requests++
	n := s.requests
	s.mu.Unlock()

	setRateLimitHeaders(w, n)

	if s.opts.ThrottleEvery > 0 && n%s.opts.ThrottleEvery == 0 {
		slog.Info("mock throttling request", "request", n, "retry_after", s.opts.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(int(s.opts.RetryAfter.Round(time.Second)/time.Second)))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if req.Model == "" {
		req.Model = s.opts.Model
	}
	resp := respond(&req)

	if s.opts.Background {
		s.accept(w, resp)
		return
	}
	if req.Stream {
		streamResponse(w, resp)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// accept parks resp as a background task.
func (s *Server) accept(w http.ResponseWriter, resp *openaicompat.ChatCompletionResponse) {
	id := "task_" + uuid.NewString()
	s.mu.Lock()
	s.tasks[id] = &task{result: resp}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/v1/tasks/"+id)
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(openaicompat.BackgroundTask{
		ID:      id,
		Status:  openaicompat.TaskQueued,
		PollURL: "/v1/tasks/" + id,
	})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		t.polls++
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "unknown task "+id)
		return
	}

	body := openaicompat.BackgroundTask{ID: id, Status: openaicompat.TaskRunning}
	if t.polls > s.opts.PendingPolls {
		body.Status = openaicompat.TaskSucceeded
		body.Result = t.result
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": s.opts.Model, "object": "model", "owned_by": "dialog-mock"},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// respond decides the deterministic answer for req.
func respond(req *openaicompat.ChatCompletionRequest) *openaicompat.ChatCompletionResponse {
	prompt := lastUserMessage(req)
	results := toolResults(req)
	promptTokens := estimateTokens(req)

	if len(req.Tools) > 0 && results == 0 {
		args, _ := json.Marshal(map[string]string{"query": prompt})
		return &openaicompat.ChatCompletionResponse{
			ID:     "chatcmpl-mock-tool",
			Object: "chat.completion",
			Model:  req.Model,
			Choices: []openaicompat.ChatChoice{{
				Message: openaicompat.ChatMessage{
					Role: "assistant",
					ToolCalls: []openaicompat.ChatToolCall{{
						ID:   "call_" + uuid.NewString()[:8],
						Type: "function",
						Function: openaicompat.ChatFunctionCall{
							Name:      req.Tools[0].Function.Name,
							Arguments: string(args),
						},
					}},
				},
				FinishReason: "tool_calls",
			}},
			Usage: usage(promptTokens, len(args)/4+1),
		}
	}

	text := fmt.Sprintf("Answer to %q.", prompt)
	if results > 0 {
		text = fmt.Sprintf("Based on %d tool result(s): answer to %q.", results, prompt)
	}
	return &openaicompat.ChatCompletionResponse{
		ID:     "chatcmpl-mock-text",
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []openaicompat.ChatChoice{{
			Message: openaicompat.ChatMessage{
				Role:    "assistant",
				Content: text,
				Annotations: []openaicompat.ChatAnnotation{{
					Type: "url_citation",
					URLCitation: &openaicompat.ChatURLCitation{
						URL:   "https://example.com/search?q=" + url.QueryEscape(prompt),
						Title: "Mock source",
					},
				}},
			},
			FinishReason: "stop",
		}},
		Usage: usage(promptTokens, len(text)/4+1),
	}
}

// streamResponse replays resp as Chat Completions chunks.
func streamResponse(w http.ResponseWriter, resp *openaicompat.ChatCompletionResponse) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func(delta openaicompat.ChatChunkDelta, finish string, u *openaicompat.ChatUsage) {
		choice := openaicompat.ChatChunkChoice{Delta: delta}
		if finish != "" {
			choice.FinishReason = &finish
		}
		chunk := openaicompat.ChatCompletionChunk{
			ID:      resp.ID,
			Object:  "chat.completion.chunk",
			Model:   resp.Model,
			Choices: []openaicompat.ChatChunkChoice{choice},
			Usage:   u,
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	msg := resp.Choices[0].Message
	send(openaicompat.ChatChunkDelta{Role: "assistant"}, "", nil)

	for i, tc := range msg.ToolCalls {
		send(openaicompat.ChatChunkDelta{ToolCalls: []openaicompat.ChatChunkToolCall{{
			Index: i, ID: tc.ID, Type: "function",
			Function: openaicompat.ChatChunkFunctionCall{Name: tc.Function.Name},
		}}}, "", nil)
		for _, frag := range splitN(tc.Function.Arguments, 5) {
			send(openaicompat.ChatChunkDelta{ToolCalls: []openaicompat.ChatChunkToolCall{{
				Index:    i,
				Function: openaicompat.ChatChunkFunctionCall{Arguments: frag},
			}}}, "", nil)
		}
	}

	if text, ok := msg.Content.(string); ok {
		for _, word := range strings.SplitAfter(text, " ") {
			send(openaicompat.ChatChunkDelta{Content: &word}, "", nil)
		}
	}

	send(openaicompat.ChatChunkDelta{Annotations: msg.Annotations}, resp.Choices[0].FinishReason, nil)
	send(openaicompat.ChatChunkDelta{}, "", resp.Usage)
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// splitN cuts s into n pieces of near equal length. Short strings yield
// fewer pieces.
func splitN(s string, n int) []string {
	if len(s) < n {
		return []string{s}
	}
	size := (len(s) + n - 1) / n
	var parts []string
	for len(s) > 0 {
		end := min(size, len(s))
		parts = append(parts, s[:end])
		s = s[end:]
	}
	return parts
}

func lastUserMessage(req *openaicompat.ChatCompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return openaicompat.ExtractContentString(req.Messages[i].Content)
		}
	}
	return ""
}

func toolResults(req *openaicompat.ChatCompletionRequest) int {
	n := 0
	for _, m := range req.Messages {
		if m.Role == "tool" {
			n++
		}
	}
	return n
}

func estimateTokens(req *openaicompat.ChatCompletionRequest) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(openaicompat.ExtractContentString(m.Content))
	}
	return chars/4 + 4*len(req.Messages)
}

func usage(prompt, completion int) *openaicompat.ChatUsage {
	return &openaicompat.ChatUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func setRateLimitHeaders(w http.ResponseWriter, n int) {
	h := w.Header()
	h.Set("x-ratelimit-limit-requests", "1000")
	h.Set("x-ratelimit-remaining-requests", strconv.Itoa(max(1000-n, 0)))
	h.Set("x-ratelimit-reset-requests", "60s")
	h.Set("x-ratelimit-limit-tokens", "1000000")
	h.Set("x-ratelimit-remaining-tokens", strconv.Itoa(max(1000000-100*n, 0)))
	h.Set("x-ratelimit-reset-tokens", "60s")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	var body openaicompat.ChatErrorResponse
	body.Error.Message = msg
	body.Error.Type = "mock_error"
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
