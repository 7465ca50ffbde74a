package config

import (
	"errors"
	"fmt"

	"github.com/rhuss/dialog/pkg/api"
)

// Validate checks required fields and value ranges. Missing credentials are
// reported as an api.CodeConfig error so callers can treat them as fatal.
func (c *Config) Validate() error {
	var errs []error

	if c.Endpoint.BaseURL == "" {
		errs = append(errs, fmt.Errorf("endpoint.base_url is required"))
	}
	if c.Endpoint.RequireAPIKey && c.Endpoint.APIKey == "" {
		errs = append(errs, api.NewConfigError("endpoint.api_key or endpoint.api_key_file is required when endpoint.require_api_key is set"))
	}
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}
	if c.Engine.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_iterations must be > 0, got %d", c.Engine.MaxIterations))
	}
	if c.Queue.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("queue.max_concurrent must be > 0, got %d", c.Queue.MaxConcurrent))
	}
	if c.Queue.BaseDelay > c.Queue.MaxDelay {
		errs = append(errs, fmt.Errorf("queue.base_delay (%s) must not exceed queue.max_delay (%s)", c.Queue.BaseDelay, c.Queue.MaxDelay))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("retry.backoff_factor must be >= 1, got %g", c.Retry.BackoffFactor))
	}
	if c.Retry.InitialDelay > c.Retry.MaxDelay {
		errs = append(errs, fmt.Errorf("retry.initial_delay (%s) must not exceed retry.max_delay (%s)", c.Retry.InitialDelay, c.Retry.MaxDelay))
	}
	if c.RateLimit.TokensPerWindow <= 0 || c.RateLimit.RequestsPerWindow <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.tokens_per_window and rate_limit.requests_per_window must be > 0"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.window must be > 0"))
	}
	switch c.RateLimit.Estimator {
	case "", "tiktoken", "heuristic":
	default:
		errs = append(errs, fmt.Errorf("rate_limit.estimator must be \"tiktoken\" or \"heuristic\", got %q", c.RateLimit.Estimator))
	}
	if c.Tools.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("tools.default_timeout must be > 0"))
	}
	for name, m := range c.Tools.PersonaMultipliers {
		if m <= 0 {
			errs = append(errs, fmt.Errorf("tools.persona_multipliers[%s] must be > 0, got %g", name, m))
		}
	}
	if c.Tools.Search.URL != "" && c.Tools.Search.Backend != "searxng" {
		errs = append(errs, fmt.Errorf("tools.search.backend must be \"searxng\", got %q", c.Tools.Search.Backend))
	}
	if c.CircuitBreaker.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("circuit_breaker.threshold must be > 0, got %d", c.CircuitBreaker.Threshold))
	}
	if c.Background.PollInitial <= 0 || c.Background.PollMax < c.Background.PollInitial {
		errs = append(errs, fmt.Errorf("background.poll_initial must be > 0 and <= background.poll_max"))
	}
	for i, s := range c.MCP.Servers {
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d].url is required", i))
		}
		switch s.Transport {
		case "", "sse", "streamable-http":
		default:
			errs = append(errs, fmt.Errorf("mcp.servers[%d].transport must be \"sse\" or \"streamable-http\", got %q", i, s.Transport))
		}
	}

	return errors.Join(errs...)
}
