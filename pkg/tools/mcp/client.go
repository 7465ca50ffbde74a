package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/dialog/pkg/debug"
	"github.com/rhuss/dialog/pkg/tools"
)

// ServerConfig describes a single MCP server connection.
type ServerConfig struct {
	// Name identifies the server in logs.
	Name string

	// Transport is "sse" or "streamable-http" (default).
	Transport string

	// URL is the MCP server endpoint.
	URL string

	// Headers are added to every HTTP request, typically for API keys.
	Headers map[string]string
}

// Client is a connection to one MCP server.
type Client struct {
	cfg     ServerConfig
	client  *mcp.Client
	session *mcp.ClientSession

	mu     sync.Mutex
	cached []tools.Tool
}

// NewClient creates a Client. Call Connect before use.
func NewClient(cfg ServerConfig) *Client {
	return &Client{cfg: cfg}
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.cfg.Name
}

// Connect performs the MCP handshake with the configured server.
func (c *Client) Connect(ctx context.Context) error {
	transport, err := c.createTransport()
	if err != nil {
		return fmt.Errorf("creating transport for %q: %w", c.cfg.Name, err)
	}
	return c.ConnectWithTransport(ctx, transport)
}

// ConnectWithTransport performs the MCP handshake over transport.
func (c *Client) ConnectWithTransport(ctx context.Context, transport mcp.Transport) error {
	c.client = mcp.NewClient(
		&mcp.Implementation{Name: "dialog", Version: "1.0.0"},
		&mcp.ClientOptions{Capabilities: &mcp.ClientCapabilities{}},
	)
	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connecting to MCP server %q: %w", c.cfg.Name, err)
	}
	c.session = session
	debug.Log(debug.MCP, "connected", "server", c.cfg.Name, "url", c.cfg.URL)
	return nil
}

func (c *Client) createTransport() (mcp.Transport, error) {
	var httpClient *http.Client
	if len(c.cfg.Headers) > 0 {
		httpClient = &http.Client{
			Transport: &headerTransport{base: http.DefaultTransport, headers: c.cfg.Headers},
		}
	}

	switch c.cfg.Transport {
	case "sse":
		t := &mcp.SSEClientTransport{Endpoint: c.cfg.URL}
		if httpClient != nil {
			t.HTTPClient = httpClient
		}
		return t, nil
	case "streamable-http", "":
		t := &mcp.StreamableClientTransport{Endpoint: c.cfg.URL}
		if httpClient != nil {
			t.HTTPClient = httpClient
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported transport type %q", c.cfg.Transport)
	}
}

// headerTransport adds static headers to every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

// Tools lists the server's tools once and returns them wrapped as tools.Tool.
func (c *Client) Tools(ctx context.Context) ([]tools.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil {
		return c.cached, nil
	}
	if c.session == nil {
		return nil, fmt.Errorf("MCP client %q not connected", c.cfg.Name)
	}

	var out []tools.Tool
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("listing tools from %q: %w", c.cfg.Name, err)
		}
		schema, err := schemaMap(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("converting schema of tool %q from %q: %w", tool.Name, c.cfg.Name, err)
		}
		out = append(out, &remoteTool{
			client:      c,
			name:        tool.Name,
			description: tool.Description,
			schema:      schema,
		})
	}
	if out == nil {
		out = []tools.Tool{}
	}
	c.cached = out
	slog.Info("discovered MCP tools", "server", c.cfg.Name, "count", len(out))
	return out, nil
}

// Close closes the MCP session.
func (c *Client) Close() error {
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}

func (c *Client) call(ctx context.Context, name string, args map[string]any) (any, error) {
	if c.session == nil {
		return nil, fmt.Errorf("MCP client %q not connected", c.cfg.Name)
	}
	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("MCP tool call %s on %q: %w", name, c.cfg.Name, err)
	}

	text := textOf(result)
	if result.IsError {
		if text == "" {
			text = "MCP tool reported an error"
		}
		return nil, fmt.Errorf("%s", text)
	}
	if text == "" && result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	return text, nil
}

// remoteTool is a tool hosted on an MCP server.
type remoteTool struct {
	client      *Client
	name        string
	description string
	schema      map[string]any
}

var _ tools.Tool = (*remoteTool)(nil)

func (t *remoteTool) Name() string               { return t.name }
func (t *remoteTool) Description() string        { return t.description }
func (t *remoteTool) Parameters() map[string]any { return t.schema }

func (t *remoteTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	return t.client.call(ctx, t.name, args)
}

// schemaMap normalizes an SDK input schema to a plain JSON object.
func schemaMap(schema any) (map[string]any, error) {
	if schema == nil {
		return nil, nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func textOf(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
