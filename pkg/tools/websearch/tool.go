// Package websearch provides the built-in search tool backed by a
// SearXNG instance.
package websearch

import (
	"context"
	"fmt"
	"strings"

	"github.com/rhuss/dialog/pkg/debug"
	"github.com/rhuss/dialog/pkg/tools"
)

// ToolName is the name the model uses to call the search tool.
const ToolName = "search"

// DefaultMaxResults caps the hits returned per query.
const DefaultMaxResults = 5

// Tool implements tools.Tool for web search.
type Tool struct {
	backend    Backend
	maxResults int
}

var _ tools.Tool = (*Tool)(nil)

// New creates the search tool over backend. maxResults <= 0 selects
// DefaultMaxResults.
func New(backend Backend, maxResults int) *Tool {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	return &Tool{backend: backend, maxResults: maxResults}
}

// FromConfig builds the tool for the named backend.
func FromConfig(backend, baseURL string, maxResults int) (*Tool, error) {
	switch backend {
	case "", "searxng":
		if baseURL == "" {
			return nil, fmt.Errorf("search: url is required for the searxng backend")
		}
		return New(NewSearXNG(baseURL), maxResults), nil
	default:
		return nil, fmt.Errorf("search: unknown backend %q", backend)
	}
}

func (t *Tool) Name() string { return ToolName }

func (t *Tool) Description() string {
	return "Search the web for current information"
}

func (t *Tool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query",
				"minLength":   1,
			},
		},
		"required": []any{"query"},
	}
}

// Execute runs the query and returns the hits as a text block the model
// can quote from.
func (t *Tool) Execute(ctx context.Context, args map[string]any) (any, error) {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query must not be empty")
	}

	results, err := t.backend.Search(ctx, query, t.maxResults)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	debug.Log(debug.Tools, "search executed", "query", debug.Truncate(query, 60), "results", len(results))

	return formatResults(query, results), nil
}

func formatResults(query string, results []Result) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Search results for %q:\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. %s\n   URL: %s\n   %s\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return b.String()
}
