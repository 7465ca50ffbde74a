// Package api defines the shared data model of the dialog engine: conversation
// turns, tool call requests, tool execution results, token usage, server-side
// rate limit metadata, and the typed error taxonomy.
//
// Core types:
//   - [Turn]: One entry in the ordered conversation history (system, user, assistant, tool)
//   - [ToolCallRequest]: A model-requested tool invocation with JSON arguments
//   - [ToolExecutionResult]: The uniform outcome of running one tool call
//   - [RateLimits]: Budget metadata reported by the completion endpoint
//   - [APIError]: Structured error with a machine-readable code
//
// The package performs no I/O. Every other package depends on it; it depends
// on nothing inside the module.
package api
