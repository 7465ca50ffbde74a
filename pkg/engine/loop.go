package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rhuss/dialog/pkg/api"
	"github.com/rhuss/dialog/pkg/debug"
	"github.com/rhuss/dialog/pkg/observability"
	"github.com/rhuss/dialog/pkg/provider"
	"github.com/rhuss/dialog/pkg/tools"
)

// maxIterationsFallback is the answer of a conversation that hit the
// iteration cap before the model produced any content.
const maxIterationsFallback = "I was unable to reach a final answer within the allowed number of tool iterations."

// run is the conversation loop shared by Run and RunStream. h is nil for
// non-streaming conversations.
func (e *Engine) run(ctx context.Context, state *ConversationState, opts GenerateOptions, h *StreamHandler) (*Result, error) {
	if state.Phase.Terminal() {
		return nil, api.NonRetryable(errors.New("engine: conversation already finished"))
	}

	maxIter := e.cfg.maxIterations()
	defs := e.toolDefinitions(opts.AllowedTools)

	res := &Result{ConversationID: state.ID}
	var lastContent string

	fail := func(err error) (*Result, error) {
		state.transition(PhaseFailed)
		observability.ConversationsTotal.WithLabelValues("failed").Inc()
		observability.ConversationIterations.Observe(float64(state.Iteration))
		slog.Warn("conversation failed",
			"conversation_id", state.ID,
			"iteration", state.Iteration,
			"code", api.CodeOf(err),
			"error", err,
		)
		return nil, err
	}

	for {
		state.transition(PhaseAwaitingResponse)

		req := &provider.Request{
			Model:  e.model(opts),
			Effort: opts.Effort,
			Turns:  state.Turns,
			Tools:  defs,
			Stream: h != nil,
		}
		resp, err := e.round(ctx, state, req, h)
		if err != nil {
			return fail(err)
		}

		state.Iteration++
		res.IterationCount = state.Iteration
		res.Usage.Add(resp.Usage)
		res.Sources = mergeSources(res.Sources, resp.Sources)
		if resp.Model != "" {
			res.Model = resp.Model
		}
		if resp.Content != "" {
			lastContent = resp.Content
		}

		state.append(api.AssistantTurn(resp.Content, resp.ToolCalls))

		if len(resp.ToolCalls) == 0 {
			res.Text = resp.Content
			return e.finish(state, res, "completed"), nil
		}

		state.transition(PhaseToolExecution)
		records := e.executeTools(ctx, state, resp.ToolCalls, opts)
		for _, rec := range records {
			state.append(api.ToolTurn(rec.ID, rec.Result.TurnContent()))
			state.markUsed(rec.Name)
			res.ToolCalls = append(res.ToolCalls, rec)
			if h != nil && h.OnToolCall != nil {
				h.OnToolCall(rec)
			}
		}

		if state.Iteration >= maxIter {
			slog.Warn("max iterations reached",
				"conversation_id", state.ID,
				"iterations", state.Iteration,
			)
			res.MaxIterationsReached = true
			res.Text = lastContent
			if res.Text == "" {
				res.Text = maxIterationsFallback
			}
			return e.finish(state, res, "max_iterations"), nil
		}
	}
}

func (e *Engine) finish(state *ConversationState, res *Result, outcome string) *Result {
	state.transition(PhaseDone)
	observability.ConversationsTotal.WithLabelValues(outcome).Inc()
	observability.ConversationIterations.Observe(float64(state.Iteration))
	debug.Log(debug.Engine, "conversation finished",
		"conversation_id", state.ID,
		"outcome", outcome,
		"iterations", state.Iteration,
		"tool_calls", len(res.ToolCalls),
		"tokens", res.Usage.TotalTokens,
	)
	return res
}

// round performs one model round under the retry policy. Each attempt is
// admitted by the queue (through the retry executor), waits for budget,
// calls the provider, and reconciles the budget with the reported usage.
func (e *Engine) round(ctx context.Context, state *ConversationState, req *provider.Request, h *StreamHandler) (*provider.Response, error) {
	var out *provider.Response

	attempt := func(ctx context.Context) error {
		estimated := e.estimator.EstimateTurns(req.Turns)
		if e.limiter != nil {
			if err := e.limiter.WaitForCapacity(ctx, estimated); err != nil {
				return err
			}
		}

		var (
			resp *provider.Response
			err  error
		)
		if h != nil {
			resp, err = e.streamRound(ctx, state, req, h)
		} else {
			resp, err = e.provider.Complete(ctx, req)
		}

		if err != nil {
			// The request was rejected or produced nothing billable.
			e.recordUsage(estimated, 0)
			return err
		}
		e.recordUsage(estimated, e.actualTokens(estimated, resp))

		if !resp.HasOutput() {
			return api.NewEmptyResponseError("endpoint returned neither content nor tool calls")
		}
		out = resp
		return nil
	}

	onRetry := func(n int, err error) {
		debug.Log(debug.Engine, "retrying round",
			"conversation_id", state.ID,
			"iteration", state.Iteration+1,
			"retry", n,
			"code", api.CodeOf(err),
		)
	}

	if err := e.retry.Do(ctx, attempt, e.cfg.Retry, onRetry); err != nil {
		return nil, err
	}
	return out, nil
}

// streamRound consumes one provider stream, forwarding content deltas to
// h as they arrive. Once a chunk has been delivered, a failure of the round
// is marked non-retryable so delivered output is never repeated.
func (e *Engine) streamRound(ctx context.Context, state *ConversationState, req *provider.Request, h *StreamHandler) (*provider.Response, error) {
	ch, err := e.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	delivered := false
	meta := ChunkMetadata{ConversationID: state.ID, Iteration: state.Iteration + 1}
	protect := func(err error) error {
		if delivered {
			return api.NonRetryable(err)
		}
		return err
	}

	for ev := range ch {
		switch ev.Type {
		case provider.EventContentDelta:
			if ev.Delta == "" {
				continue
			}
			delivered = true
			if h.OnChunk != nil {
				h.OnChunk(ev.Delta, meta)
			}
		case provider.EventToolCallDelta:
			if ev.ToolCall != nil {
				debug.Trace(debug.Stream, "tool call fragment",
					"index", ev.ToolCall.Index,
					"name", ev.ToolCall.Name,
					"fragment", ev.ToolCall.ArgumentsFragment,
				)
			}
		case provider.EventDone:
			if ev.Response == nil {
				return nil, protect(api.NewStreamError("stream completed without a response"))
			}
			return ev.Response, nil
		case provider.EventError:
			return nil, protect(ev.Err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, protect(api.NewStreamError("stream ended before completion"))
}

// actualTokens is the reported usage of resp, or an estimate of its output
// added to the request estimate when the endpoint reported none.
func (e *Engine) actualTokens(estimated int, resp *provider.Response) int {
	if resp.Usage.TotalTokens > 0 {
		return resp.Usage.TotalTokens
	}
	out := e.estimator.Count(resp.Content)
	for _, tc := range resp.ToolCalls {
		out += e.estimator.Count(tc.Name) + e.estimator.Count(tc.Arguments)
	}
	return estimated + out
}

func (e *Engine) recordUsage(estimated, actual int) {
	if e.limiter != nil {
		e.limiter.RecordTokensUsed(estimated, actual)
	}
}

// executeTools runs the tool calls of one assistant turn and returns their
// records in presentation order. Calls run sequentially unless
// Config.ParallelTools is set.
func (e *Engine) executeTools(ctx context.Context, state *ConversationState, calls []api.ToolCallRequest, opts GenerateOptions) []ToolCallRecord {
	records := make([]ToolCallRecord, len(calls))
	exec := func(ctx context.Context, i int) {
		call := calls[i]
		start := time.Now()
		result := e.executeCall(ctx, call, opts)
		debug.Log(debug.Tools, "tool call finished",
			"conversation_id", state.ID,
			"tool", call.Name,
			"call_id", call.ID,
			"success", result.Success,
			"duration", time.Since(start),
		)
		records[i] = ToolCallRecord{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
			Iteration: state.Iteration,
			Result:    result,
		}
	}

	if !e.cfg.ParallelTools || len(calls) < 2 {
		for i := range calls {
			exec(ctx, i)
		}
		return records
	}

	// Tool failures are results, never errors, so the group never cancels.
	g, gctx := errgroup.WithContext(ctx)
	for i := range calls {
		g.Go(func() error {
			exec(gctx, i)
			return nil
		})
	}
	_ = g.Wait()
	return records
}

func (e *Engine) executeCall(ctx context.Context, call api.ToolCallRequest, opts GenerateOptions) api.ToolExecutionResult {
	if e.tools == nil {
		return api.ToolExecutionResult{
			Success: false,
			Error:   "no tools are available: " + call.Name,
		}
	}
	return e.tools.ExecuteCall(ctx, call, tools.ExecContext{
		CallID:       call.ID,
		Persona:      opts.Persona,
		AllowedTools: opts.AllowedTools,
	})
}

func mergeSources(dst, src []api.Source) []api.Source {
	for _, s := range src {
		dup := false
		for _, d := range dst {
			if d.URL == s.URL {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, s)
		}
	}
	return dst
}
