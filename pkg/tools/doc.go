// Package tools defines the tool contract consumed by the conversation
// engine and the machinery that runs tool calls safely.
//
// A [Tool] is an externally provided function with a name, a description,
// a JSON Schema for its parameters and an Execute method. Tools are
// collected in a [Registry], which compiles and enforces their schemas.
// The [Executor] runs one call at a time under a per-tool deadline and
// reports outcomes to a per-tool [Breaker]. Whatever happens inside a tool,
// including panics and timeouts, the caller receives a uniform
// api.ToolExecutionResult.
package tools
