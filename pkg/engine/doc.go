// Package engine implements the conversation orchestrator. An Engine drives
// one conversation at a time per call: it sends the turn history to the
// provider, executes the tool calls the model requests, appends their
// results, and loops until the model produces a final answer or the
// iteration cap is reached. Every round is routed through the shared retry
// executor, request queue, and rate limiter; optional collaborators use
// nil-safe composition.
package engine
