// Package transport defines the handler contract and middleware chain that
// expose the conversation engine to remote callers.
//
// A Handler receives a decoded GenerateRequest and writes either a single
// engine.Result or a sequence of Events to a ResponseWriter. The HTTP
// adapter in the http subpackage decides whether that writer produces a
// JSON body or a server-sent event stream.
//
// # Middleware
//
// Middleware wraps a Handler with cross-cutting behavior. Built-in
// middleware provides panic recovery, request ID assignment (X-Request-ID)
// and structured logging via log/slog.
package transport
