package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rhuss/dialog/pkg/config"
	"github.com/rhuss/dialog/pkg/debug"
	"github.com/rhuss/dialog/pkg/engine"
	"github.com/rhuss/dialog/pkg/provider/openaicompat"
	"github.com/rhuss/dialog/pkg/queue"
	"github.com/rhuss/dialog/pkg/ratelimit"
	"github.com/rhuss/dialog/pkg/retry"
	"github.com/rhuss/dialog/pkg/tools"
	"github.com/rhuss/dialog/pkg/tools/mcp"
	"github.com/rhuss/dialog/pkg/tools/websearch"
)

// stack holds the process-wide services shared by every conversation.
type stack struct {
	cfg     *config.Config
	engine  *engine.Engine
	limiter *ratelimit.Limiter
	queue   *queue.Queue
	tools   *tools.Registry
	mcp     *mcp.Source
}

// loadConfig loads and validates the configuration and installs logging.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	debug.Init(debug.Options{
		Categories: cfg.Logging.Debug,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     os.Stderr,
	})
	return cfg, nil
}

// buildStack wires the rate limiter, queue, retry executor, tools and the
// endpoint client into one engine.
func buildStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	limiter := ratelimit.New(ratelimit.Config{
		TokensPerWindow:   cfg.RateLimit.TokensPerWindow,
		RequestsPerWindow: cfg.RateLimit.RequestsPerWindow,
		Window:            cfg.RateLimit.Window,
	})
	q := queue.New(queue.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		BaseDelay:     cfg.Queue.BaseDelay,
		MaxDelay:      cfg.Queue.MaxDelay,
	})

	registry, err := tools.NewRegistry()
	if err != nil {
		return nil, err
	}
	if s := cfg.Tools.Search; s.URL != "" {
		search, err := websearch.FromConfig(s.Backend, s.URL, s.MaxResults)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(search); err != nil {
			return nil, err
		}
	}
	source := mcp.Connect(ctx, mcpServers(cfg.MCP.Servers), registry)

	executor := tools.NewExecutor(registry,
		tools.NewBreaker(tools.BreakerConfig{
			Threshold: cfg.CircuitBreaker.Threshold,
			Cooldown:  cfg.CircuitBreaker.Cooldown,
		}),
		tools.ExecutorConfig{
			DefaultTimeout:     cfg.Tools.DefaultTimeout,
			Timeouts:           cfg.Tools.Timeouts,
			PersonaMultipliers: cfg.Tools.PersonaMultipliers,
		},
	)

	client := openaicompat.NewClient(cfg.Endpoint.BaseURL, cfg.Endpoint.APIKey, cfg.Endpoint.Timeout,
		openaicompat.WithRateLimitObserver(limiter),
		openaicompat.WithBackground(openaicompat.BackgroundConfig{
			PollInitial: cfg.Background.PollInitial,
			PollMax:     cfg.Background.PollMax,
			MaxWait:     cfg.Background.MaxWait,
		}),
	)

	policy := retry.Policy{
		MaxRetries:    cfg.Retry.MaxRetries,
		InitialDelay:  cfg.Retry.InitialDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		BackoffFactor: cfg.Retry.BackoffFactor,
		Jitter:        cfg.Retry.Jitter,
	}

	estimator := newEstimator(cfg)
	eng, err := engine.New(client, engine.Dependencies{
		Limiter:   limiter,
		Estimator: estimator,
		Retry:     retry.NewExecutor(q, limiter),
		Tools:     executor,
	}, engine.Config{
		DefaultModel:  cfg.Endpoint.DefaultModel,
		SystemPrompt:  cfg.Engine.SystemPrompt,
		MaxIterations: cfg.Engine.MaxIterations,
		ParallelTools: cfg.Engine.ParallelTools,
		Retry:         policy,
	})
	if err != nil {
		_ = source.Close()
		return nil, err
	}

	slog.Info("engine ready",
		"endpoint", cfg.Endpoint.BaseURL,
		"model", cfg.Endpoint.DefaultModel,
		"tools", registry.Names(),
		"max_concurrent", cfg.Queue.MaxConcurrent,
	)

	return &stack{
		cfg:     cfg,
		engine:  eng,
		limiter: limiter,
		queue:   q,
		tools:   registry,
		mcp:     source,
	}, nil
}

// Close releases the engine and the MCP connections.
func (s *stack) Close() error {
	return errors.Join(s.engine.Close(), s.mcp.Close())
}

// newEstimator builds the configured estimator and loads its encoding, so a
// missing BPE table shows up at startup instead of inside the first round.
func newEstimator(cfg *config.Config) *ratelimit.Estimator {
	if cfg.RateLimit.Estimator == "heuristic" {
		return ratelimit.NewHeuristicEstimator()
	}
	e := ratelimit.NewEstimator(cfg.Endpoint.DefaultModel)
	start := time.Now()
	loaded := e.Load()
	slog.Info("token estimator loaded", "model", cfg.Endpoint.DefaultModel, "tiktoken", loaded, "duration", time.Since(start))
	return e
}

func mcpServers(in []config.MCPServerConfig) []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, 0, len(in))
	for _, s := range in {
		out = append(out, mcp.ServerConfig{
			Name:      s.Name,
			Transport: s.Transport,
			URL:       s.URL,
			Headers:   s.Headers,
		})
	}
	return out
}
