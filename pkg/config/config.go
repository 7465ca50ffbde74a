// Package config provides unified configuration for the dialog engine.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (DIALOG_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the dialog engine and its binaries.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Endpoint       EndpointConfig       `yaml:"endpoint"`
	Engine         EngineConfig         `yaml:"engine"`
	Queue          QueueConfig          `yaml:"queue"`
	Retry          RetryConfig          `yaml:"retry"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Tools          ToolsConfig          `yaml:"tools"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Background     BackgroundConfig     `yaml:"background"`
	MCP            MCPConfig            `yaml:"mcp"`
	Observability  ObservabilityConfig  `yaml:"observability"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`          // default: 8080
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 300s
}

// EndpointConfig describes the Chat Completions endpoint.
type EndpointConfig struct {
	BaseURL       string        `yaml:"base_url"` // required
	APIKey        string        `yaml:"api_key"`
	APIKeyFile    string        `yaml:"api_key_file"`
	RequireAPIKey bool          `yaml:"require_api_key"`
	DefaultModel  string        `yaml:"default_model"`
	Timeout       time.Duration `yaml:"timeout"` // default: 120s
}

// EngineConfig holds conversation loop settings.
type EngineConfig struct {
	MaxIterations int    `yaml:"max_iterations"` // default: 5
	SystemPrompt  string `yaml:"system_prompt"`
	ParallelTools bool   `yaml:"parallel_tools"` // default: false
}

// QueueConfig bounds concurrent outbound requests.
type QueueConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"` // default: 3
	BaseDelay     time.Duration `yaml:"base_delay"`     // default: 1s
	MaxDelay      time.Duration `yaml:"max_delay"`      // default: 60s
}

// RetryConfig is the default retry policy for model rounds.
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`    // default: 3, retries after the first attempt
	InitialDelay  time.Duration `yaml:"initial_delay"`  // default: 1s
	MaxDelay      time.Duration `yaml:"max_delay"`      // default: 30s
	BackoffFactor float64       `yaml:"backoff_factor"` // default: 2
	Jitter        time.Duration `yaml:"jitter"`         // default: 250ms
}

// RateLimitConfig seeds the shared token and request budget.
type RateLimitConfig struct {
	TokensPerWindow   int           `yaml:"tokens_per_window"`   // default: 90000
	RequestsPerWindow int           `yaml:"requests_per_window"` // default: 60
	Window            time.Duration `yaml:"window"`              // default: 60s

	// Estimator selects the token estimate used for reservations:
	// "tiktoken" (default) or "heuristic" (four characters per token).
	// tiktoken loads its BPE table at startup and may download it; use
	// "heuristic" on hosts without network access.
	Estimator string `yaml:"estimator"`
}

// ToolsConfig holds tool execution deadlines.
type ToolsConfig struct {
	DefaultTimeout     time.Duration            `yaml:"default_timeout"` // default: 30s
	Timeouts           map[string]time.Duration `yaml:"timeouts"`
	PersonaMultipliers map[string]float64       `yaml:"persona_multipliers"`
	Search             SearchConfig             `yaml:"search"`
}

// SearchConfig enables the built-in search tool when URL is set.
type SearchConfig struct {
	Backend    string `yaml:"backend"`     // default: "searxng"
	URL        string `yaml:"url"`
	MaxResults int    `yaml:"max_results"` // default: 5
}

// CircuitBreakerConfig configures the per-tool breaker.
type CircuitBreakerConfig struct {
	Threshold int           `yaml:"threshold"` // default: 3
	Cooldown  time.Duration `yaml:"cooldown"`  // default: 60s
}

// BackgroundConfig configures polling of accepted background tasks.
type BackgroundConfig struct {
	PollInitial time.Duration `yaml:"poll_initial"` // default: 1s
	PollMax     time.Duration `yaml:"poll_max"`     // default: 10s
	MaxWait     time.Duration `yaml:"max_wait"`     // default: 5m
}

// MCPConfig holds MCP (Model Context Protocol) server settings.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes a single MCP server connection.
type MCPServerConfig struct {
	Name      string            `yaml:"name" json:"name"`
	Transport string            `yaml:"transport" json:"transport"` // "sse" or "streamable-http"
	URL       string            `yaml:"url" json:"url"`
	Headers   map[string]string `yaml:"headers" json:"headers"`
}

// ObservabilityConfig holds monitoring settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// LoggingConfig controls slog output and debug categories.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // default: INFO
	Format string `yaml:"format"` // "text" or "json"
	Debug  string `yaml:"debug"`  // comma separated categories
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 300 * time.Second,
		},
		Endpoint: EndpointConfig{
			Timeout: 120 * time.Second,
		},
		Engine: EngineConfig{
			MaxIterations: 5,
		},
		Queue: QueueConfig{
			MaxConcurrent: 3,
			BaseDelay:     time.Second,
			MaxDelay:      60 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			InitialDelay:  time.Second,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2,
			Jitter:        250 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			TokensPerWindow:   90000,
			RequestsPerWindow: 60,
			Window:            60 * time.Second,
			Estimator:         "tiktoken",
		},
		Tools: ToolsConfig{
			DefaultTimeout: 30 * time.Second,
			Search: SearchConfig{
				Backend:    "searxng",
				MaxResults: 5,
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold: 3,
			Cooldown:  60 * time.Second,
		},
		Background: BackgroundConfig{
			PollInitial: time.Second,
			PollMax:     10 * time.Second,
			MaxWait:     5 * time.Minute,
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}
