package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/rhuss/dialog/pkg/api"
	"github.com/rhuss/dialog/pkg/provider/openaicompat"
)

var htmlTagRegex = regexp.MustCompile(`<[^>]*>`)

// SearXNG queries the JSON API of a SearXNG instance.
type SearXNG struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewSearXNG creates a SearXNG backend for baseURL.
func NewSearXNG(baseURL string) *SearXNG {
	return &SearXNG{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: http.DefaultClient,
	}
}

type searxngResponse struct {
	Results []searxngResult `json:"results"`
}

type searxngResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Search runs query and returns at most maxResults hits. Throttling by the
// instance is reported as a rate_limit error so the executor marks the
// failure retryable.
func (s *SearXNG) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	searchURL := fmt.Sprintf("%s/search?q=%s&format=json&categories=general",
		s.BaseURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing search request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, api.NewRateLimitError("search backend throttled", openaicompat.ParseRetryAfter(resp.Header))
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("search backend temporarily unavailable (status %d)", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("search backend returned status %d", resp.StatusCode)
	}

	var sr searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	results := make([]Result, 0, min(len(sr.Results), maxResults))
	for i, r := range sr.Results {
		if i >= maxResults {
			break
		}
		results = append(results, Result{
			Title:   stripHTML(r.Title),
			URL:     r.URL,
			Snippet: stripHTML(r.Content),
		})
	}

	return results, nil
}

func stripHTML(s string) string {
	return strings.TrimSpace(htmlTagRegex.ReplaceAllString(s, ""))
}
