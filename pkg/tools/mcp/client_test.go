package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/dialog/pkg/tools"
)

// setupTestServer serves the given tools over in-memory transports and
// returns a connected client.
func setupTestServer(t *testing.T, serverTools map[string]mcp.ToolHandler) *Client {
	t.Helper()

	server := mcp.NewServer(&mcp.Implementation{Name: "test-server", Version: "1.0.0"}, nil)
	for name, handler := range serverTools {
		server.AddTool(
			&mcp.Tool{
				Name:        name,
				Description: "Test tool: " + name,
				InputSchema: map[string]any{
					"type":       "object",
					"properties": map[string]any{"city": map[string]any{"type": "string"}},
				},
			},
			handler,
		)
	}

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() {
		_ = server.Run(ctx, serverTransport)
	}()

	client := NewClient(ServerConfig{Name: "test-server"})
	if err := client.ConnectWithTransport(ctx, clientTransport); err != nil {
		t.Fatalf("ConnectWithTransport failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func textResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: s}}}
}

func TestToolsDiscovered(t *testing.T) {
	client := setupTestServer(t, map[string]mcp.ToolHandler{
		"get_weather": func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return textResult("sunny"), nil
		},
		"get_time": func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return textResult("12:00"), nil
		},
	})

	remote, err := client.Tools(context.Background())
	if err != nil {
		t.Fatalf("Tools() error: %v", err)
	}
	if len(remote) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(remote))
	}
	names := map[string]bool{}
	for _, tool := range remote {
		names[tool.Name()] = true
		if tool.Parameters()["type"] != "object" {
			t.Errorf("tool %s schema = %v, want object schema", tool.Name(), tool.Parameters())
		}
	}
	if !names["get_weather"] || !names["get_time"] {
		t.Errorf("unexpected tool names %v", names)
	}
}

func TestRemoteToolThroughExecutor(t *testing.T) {
	client := setupTestServer(t, map[string]mcp.ToolHandler{
		"get_weather": func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return textResult("sunny in Berlin"), nil
		},
	})

	registry, _ := tools.NewRegistry()
	src := &Source{}
	if err := src.Add(context.Background(), client, registry); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	exec := tools.NewExecutor(registry, tools.NewBreaker(tools.BreakerConfig{}), tools.ExecutorConfig{})

	res := exec.Execute(context.Background(), "get_weather", map[string]any{"city": "Berlin"}, tools.ExecContext{})
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.Result != "sunny in Berlin" {
		t.Errorf("result = %v, want %q", res.Result, "sunny in Berlin")
	}
}

func TestRemoteToolErrorResult(t *testing.T) {
	client := setupTestServer(t, map[string]mcp.ToolHandler{
		"fail": func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: "city not found"}},
				IsError: true,
			}, nil
		},
	})

	remote, err := client.Tools(context.Background())
	if err != nil {
		t.Fatalf("Tools() error: %v", err)
	}
	_, err = remote[0].Execute(context.Background(), map[string]any{})
	if err == nil || err.Error() != "city not found" {
		t.Errorf("Execute() error = %v, want %q", err, "city not found")
	}
}

func TestToolsBeforeConnect(t *testing.T) {
	c := NewClient(ServerConfig{Name: "offline"})
	if _, err := c.Tools(context.Background()); err == nil {
		t.Error("expected error for unconnected client")
	}
}

func TestUnsupportedTransport(t *testing.T) {
	c := NewClient(ServerConfig{Name: "x", Transport: "grpc", URL: "http://localhost"})
	if err := c.Connect(context.Background()); err == nil {
		t.Error("expected error for unsupported transport")
	}
}

func TestHeaderTransport(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	client := &http.Client{Transport: &headerTransport{
		base:    http.DefaultTransport,
		headers: map[string]string{"Authorization": "Bearer tok"},
	}}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if got != "Bearer tok" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer tok")
	}
}
