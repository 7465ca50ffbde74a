package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/rhuss/dialog/pkg/api"
	"github.com/rhuss/dialog/pkg/debug"
	"github.com/rhuss/dialog/pkg/observability"
	"github.com/rhuss/dialog/pkg/provider"
)

// ToolCallBuffer tracks incremental tool call assembly across multiple SSE
// chunks for a single tool call index.
type ToolCallBuffer struct {
	ID   string
	Name string
	Args strings.Builder
}

// Assembler reconstructs one streamed round from raw SSE bytes. Bytes may be
// split anywhere; partial lines are buffered until their newline arrives.
// Content and tool call fragments are forwarded to emit in arrival order.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	\n
//	data: [DONE]\n
//
// Malformed lines are logged and skipped.
//
// An Assembler is not safe for concurrent use.
type Assembler struct {
	emit    func(provider.Event)
	pending []byte
	content strings.Builder
	calls   map[int]*ToolCallBuffer
	sources []api.Source
	usage   *api.Usage
	model   string
	finish  string
	done    bool
	skipped int
}

// NewAssembler creates an Assembler. emit may be nil.
func NewAssembler(emit func(provider.Event)) *Assembler {
	if emit == nil {
		emit = func(provider.Event) {}
	}
	return &Assembler{
		emit:  emit,
		calls: make(map[int]*ToolCallBuffer),
	}
}

// Write feeds raw stream bytes. It never fails; bytes after the [DONE]
// sentinel are discarded.
func (a *Assembler) Write(p []byte) (int, error) {
	if a.done {
		return len(p), nil
	}
	a.pending = append(a.pending, p...)
	for !a.done {
		i := bytes.IndexByte(a.pending, '\n')
		if i < 0 {
			break
		}
		line := string(a.pending[:i])
		a.pending = append(a.pending[:0], a.pending[i+1:]...)
		a.processLine(line)
	}
	if a.done {
		a.pending = nil
	}
	return len(p), nil
}

// Done reports whether the [DONE] sentinel has been seen.
func (a *Assembler) Done() bool {
	return a.done
}

// Skipped returns the number of malformed lines dropped so far.
func (a *Assembler) Skipped() int {
	return a.skipped
}

// Finish processes any unterminated trailing line and returns the assembled
// round. Tool calls are ordered by index and frozen: missing ids are
// synthesized, empty arguments become "{}", and arguments that never formed
// a JSON object mark the call Incomplete.
func (a *Assembler) Finish() *provider.Response {
	a.flushPending()

	resp := &provider.Response{
		Content:      a.content.String(),
		Model:        a.model,
		FinishReason: a.finish,
		Sources:      a.sources,
	}
	if a.usage != nil {
		resp.Usage = *a.usage
	}

	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		buf := a.calls[idx]
		resp.ToolCalls = append(resp.ToolCalls, api.ToolCallRequest{
			ID:        buf.ID,
			Name:      buf.Name,
			Arguments: buf.Args.String(),
		})
	}
	resp.ToolCalls = finalizeToolCalls(resp.ToolCalls)

	return resp
}

func (a *Assembler) flushPending() {
	if !a.done && len(a.pending) > 0 {
		line := string(a.pending)
		a.pending = nil
		a.processLine(line)
	}
}

func (a *Assembler) processLine(line string) {
	line = strings.TrimRight(line, "\r")

	// Empty lines, comments, and non-data fields (event:, id:) carry nothing.
	if !strings.HasPrefix(line, "data:") {
		return
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" {
		return
	}

	if payload == "[DONE]" {
		a.done = true
		return
	}

	var chunk ChatCompletionChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		a.skipped++
		observability.StreamMalformedLinesTotal.Inc()
		slog.Warn("skipping malformed SSE chunk",
			"error", err.Error(),
			"data", debug.Truncate(payload, 200),
		)
		return
	}

	a.apply(&chunk)
}

// apply folds one chunk into the round and forwards its deltas.
func (a *Assembler) apply(chunk *ChatCompletionChunk) {
	if chunk.Model != "" {
		a.model = chunk.Model
	}
	// Usage arrives on the final chunk (stream_options.include_usage),
	// usually with no choices.
	if chunk.Usage != nil {
		u := translateUsage(chunk.Usage)
		a.usage = &u
	}
	if len(chunk.Choices) == 0 {
		return
	}

	choice := chunk.Choices[0]
	delta := choice.Delta

	if delta.Content != nil && *delta.Content != "" {
		a.content.WriteString(*delta.Content)
		a.emit(provider.Event{
			Type:  provider.EventContentDelta,
			Delta: *delta.Content,
		})
	}

	for _, tc := range delta.ToolCalls {
		buf, exists := a.calls[tc.Index]
		if !exists {
			buf = &ToolCallBuffer{}
			a.calls[tc.Index] = buf
		}
		// Some backends repeat id and name on every fragment; the first wins.
		if buf.ID == "" {
			buf.ID = tc.ID
		}
		if buf.Name == "" {
			buf.Name = tc.Function.Name
		}
		buf.Args.WriteString(tc.Function.Arguments)

		a.emit(provider.Event{
			Type: provider.EventToolCallDelta,
			ToolCall: &provider.ToolCallDelta{
				Index:             tc.Index,
				ID:                tc.ID,
				Name:              tc.Function.Name,
				ArgumentsFragment: tc.Function.Arguments,
			},
		})
	}

	a.sources = appendSources(a.sources, delta.Annotations)

	if choice.FinishReason != nil {
		a.finish = *choice.FinishReason
	}
}

// ParseSSEStream reads body into the assembler until the [DONE] sentinel.
// EOF before the sentinel and read failures are returned as a stream_error;
// context cancellation stops reading and returns the context error.
func ParseSSEStream(ctx context.Context, body io.Reader, a *Assembler) error {
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := body.Read(buf)
		if n > 0 {
			debug.Trace(debug.Stream, "sse read", "bytes", n)
			_, _ = a.Write(buf[:n])
			if a.Done() {
				return nil
			}
		}

		if errors.Is(err, io.EOF) {
			a.flushPending()
			if !a.Done() {
				return api.NewStreamError("stream ended before [DONE]")
			}
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return api.NewStreamError("SSE stream read error: " + err.Error())
		}
	}
}
