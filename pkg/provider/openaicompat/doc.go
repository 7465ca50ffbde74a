// Package openaicompat implements provider.Provider for any OpenAI-compatible
// Chat Completions endpoint. It handles request serialization, response
// parsing, incremental SSE assembly of content and tool call fragments,
// rate limit headers, Retry-After hints, background task polling, and
// error mapping onto the api error taxonomy.
package openaicompat
