package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rhuss/dialog/pkg/tools"
)

// Source manages connections to several MCP servers.
type Source struct {
	clients []*Client
}

// Connect connects to every server and registers their tools in registry.
// A server that cannot be reached is logged and skipped, so one broken
// server does not take the others down.
func Connect(ctx context.Context, servers []ServerConfig, registry *tools.Registry) *Source {
	s := &Source{}
	for _, cfg := range servers {
		c := NewClient(cfg)
		if err := c.Connect(ctx); err != nil {
			slog.Error("failed to connect MCP server", "server", cfg.Name, "error", err)
			continue
		}
		if err := s.add(ctx, c, registry); err != nil {
			slog.Error("failed to register MCP tools", "server", cfg.Name, "error", err)
			_ = c.Close()
			continue
		}
	}
	return s
}

// Add registers the tools of an already connected client.
func (s *Source) Add(ctx context.Context, c *Client, registry *tools.Registry) error {
	return s.add(ctx, c, registry)
}

func (s *Source) add(ctx context.Context, c *Client, registry *tools.Registry) error {
	remote, err := c.Tools(ctx)
	if err != nil {
		return err
	}
	for _, t := range remote {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	s.clients = append(s.clients, c)
	return nil
}

// Close closes all connections.
func (s *Source) Close() error {
	var errs []error
	for _, c := range s.clients {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close MCP client", "server", c.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
