package websearch

import "context"

// Result holds a single search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Backend is a pluggable search engine.
type Backend interface {
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}
