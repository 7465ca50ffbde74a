// Package mcp exposes tools served by MCP (Model Context Protocol) servers
// as tools.Tool values.
//
// A [Client] connects to one server over SSE or streamable HTTP using the
// official MCP Go SDK, lists the server's tools and wraps each one so that
// the conversation engine can register it next to local function tools.
// Tool calls are forwarded to the server; an error result from the server
// becomes a tool failure.
package mcp
