package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rhuss/dialog/pkg/api"
	"github.com/rhuss/dialog/pkg/debug"
	"github.com/rhuss/dialog/pkg/observability"
	"github.com/rhuss/dialog/pkg/provider"
)

const completionsPath = "/v1/chat/completions"

// RateLimitObserver receives the rate limit headers of every response.
// ratelimit.Limiter satisfies it.
type RateLimitObserver interface {
	UpdateLimits(limits api.RateLimits)
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimitObserver forwards parsed x-ratelimit-* headers to o.
func WithRateLimitObserver(o RateLimitObserver) Option {
	return func(c *Client) { c.observer = o }
}

// WithBackground sets the polling schedule for 202 Accepted answers.
func WithBackground(cfg BackgroundConfig) Option {
	return func(c *Client) { c.background = cfg.withDefaults() }
}

// WithHTTPClient replaces the client used for non-streaming requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client performs HTTP requests against an OpenAI-compatible Chat Completions
// endpoint and implements provider.Provider.
type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	baseURL      string
	apiKey       string
	observer     RateLimitObserver
	background   BackgroundConfig
}

var _ provider.Provider = (*Client)(nil)

// NewClient creates a new Client for an OpenAI-compatible endpoint.
func NewClient(baseURL, apiKey string, timeout time.Duration, opts ...Option) *Client {
	// Normalize: remove trailing slash from base URL.
	baseURL = strings.TrimRight(baseURL, "/")

	if timeout == 0 {
		timeout = 120 * time.Second
	}

	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		// Streaming uses no client-level timeout; the context bounds it.
		streamClient: &http.Client{},
		baseURL:      baseURL,
		apiKey:       apiKey,
		background:   BackgroundConfig{}.withDefaults(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider identifier.
func (c *Client) Name() string {
	return "openai-compatible"
}

// Complete performs one non-streaming round against the Chat Completions endpoint.
func (c *Client) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	reqCopy := *req
	reqCopy.Stream = false

	start := time.Now()
	resp, err := c.complete(ctx, &reqCopy)
	c.record(reqCopy.Model, "complete", start, resp, err)
	return resp, err
}

func (c *Client) complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	httpResp, err := c.post(ctx, c.httpClient, req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusAccepted {
		chatResp, err := c.awaitBackground(ctx, httpResp)
		if err != nil {
			return nil, err
		}
		return TranslateResponse(chatResp), nil
	}

	var chatResp ChatCompletionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chatResp); err != nil {
		return nil, api.NewAPIError(http.StatusBadGateway, fmt.Sprintf("failed to decode endpoint response: %s", err.Error()))
	}

	return TranslateResponse(&chatResp), nil
}

// Stream performs one streaming round. The returned channel is buffered and
// closed after the terminal event. A background (202) answer is polled to
// completion and replayed as events.
func (c *Client) Stream(ctx context.Context, req *provider.Request) (<-chan provider.Event, error) {
	reqCopy := *req
	reqCopy.Stream = true

	start := time.Now()
	httpResp, err := c.post(ctx, c.streamClient, &reqCopy)
	if err != nil {
		c.record(reqCopy.Model, "stream", start, nil, err)
		return nil, err
	}

	ch := make(chan provider.Event, 16)
	send := func(ev provider.Event) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		var (
			out *provider.Response
			err error
		)
		if httpResp.StatusCode == http.StatusAccepted {
			out, err = c.replayBackground(ctx, httpResp, send)
		} else {
			asm := NewAssembler(func(ev provider.Event) { send(ev) })
			if err = ParseSSEStream(ctx, httpResp.Body, asm); err == nil {
				out = asm.Finish()
				debug.Log(debug.Stream, "stream assembled",
					"content_len", len(out.Content),
					"tool_calls", len(out.ToolCalls),
					"skipped_lines", asm.Skipped(),
				)
			}
		}

		c.record(reqCopy.Model, "stream", start, out, err)
		if err != nil {
			if ctx.Err() == nil {
				send(provider.Event{Type: provider.EventError, Err: err})
			}
			return
		}
		send(provider.Event{Type: provider.EventDone, Response: out})
	}()

	return ch, nil
}

// replayBackground polls a background task and emits its result as if it
// had been streamed.
func (c *Client) replayBackground(ctx context.Context, httpResp *http.Response, send func(provider.Event) bool) (*provider.Response, error) {
	chatResp, err := c.awaitBackground(ctx, httpResp)
	if err != nil {
		return nil, err
	}
	out := TranslateResponse(chatResp)
	if out.Content != "" {
		send(provider.Event{Type: provider.EventContentDelta, Delta: out.Content})
	}
	for i, tc := range out.ToolCalls {
		send(provider.Event{
			Type: provider.EventToolCallDelta,
			ToolCall: &provider.ToolCallDelta{
				Index:             i,
				ID:                tc.ID,
				Name:              tc.Name,
				ArgumentsFragment: tc.Arguments,
			},
		})
	}
	return out, nil
}

// post sends the translated request and returns the response for any 2xx
// status. Non-2xx answers are mapped to APIErrors and their body closed.
func (c *Client) post(ctx context.Context, hc *http.Client, req *provider.Request) (*http.Response, error) {
	chatReq := TranslateToChat(req)

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, api.NonRetryable(fmt.Errorf("failed to marshal request: %w", err))
	}

	url := c.baseURL + completionsPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, api.NonRetryable(fmt.Errorf("failed to create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	c.authorize(httpReq)

	debug.Log(debug.Provider, "sending request",
		"url", url,
		"model", chatReq.Model,
		"messages", len(chatReq.Messages),
		"tools", len(chatReq.Tools),
		"stream", chatReq.Stream,
	)
	debug.Raw(debug.Provider, string(body))

	httpResp, err := hc.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, MapNetworkError(err)
	}

	c.observe(httpResp.Header)

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		defer httpResp.Body.Close()
		apiErr := MapHTTPError(httpResp)
		debug.Log(debug.Provider, "endpoint error",
			"status", httpResp.StatusCode,
			"code", apiErr.Code,
			"retry_after", apiErr.RetryAfter,
		)
		return nil, apiErr
	}

	return httpResp, nil
}

func (c *Client) authorize(r *http.Request) {
	if c.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) observe(h http.Header) {
	if c.observer == nil {
		return
	}
	if limits := ParseRateLimits(h); !limits.Empty() {
		c.observer.UpdateLimits(limits)
	}
}

func (c *Client) record(model, mode string, start time.Time, resp *provider.Response, err error) {
	status := "success"
	if err != nil {
		status = string(api.CodeOf(err))
		if status == "" {
			status = "error"
		}
	}
	var in, out int
	if resp != nil {
		in, out = resp.Usage.InputTokens, resp.Usage.OutputTokens
	}
	observability.RecordProviderRound(model, mode, status, time.Since(start), in, out)
}

// Close releases idle HTTP connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	c.streamClient.CloseIdleConnections()
	return nil
}
