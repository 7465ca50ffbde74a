package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rhuss/dialog/pkg/debug"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, DIALOG_CONFIG env, ./config.yaml, /etc/dialog/config.yaml)
//  3. DIALOG_* environment variables
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
		debug.Log(debug.Config, "loaded config file", "path", filePath)
	}

	applyEnvOverrides(&cfg)

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile returns the first config file found, or "".
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("DIALOG_CONFIG"); envPath != "" {
		return envPath
	}
	for _, path := range []string{"config.yaml", "/etc/dialog/config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadYAMLFile parses path into cfg. Absent fields keep their defaults.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps DIALOG_* variables onto config fields. Unparseable
// values are logged and ignored.
func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				slog.Warn("ignoring invalid environment value", "key", key, "value", v)
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				slog.Warn("ignoring invalid environment value", "key", key, "value", v)
				return
			}
			*dst = d
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				slog.Warn("ignoring invalid environment value", "key", key, "value", v)
				return
			}
			*dst = b
		}
	}

	setInt("DIALOG_PORT", &cfg.Server.Port)
	setString("DIALOG_BASE_URL", &cfg.Endpoint.BaseURL)
	setString("DIALOG_API_KEY", &cfg.Endpoint.APIKey)
	setString("DIALOG_MODEL", &cfg.Endpoint.DefaultModel)
	setDuration("DIALOG_ENDPOINT_TIMEOUT", &cfg.Endpoint.Timeout)
	setInt("DIALOG_MAX_ITERATIONS", &cfg.Engine.MaxIterations)
	setBool("DIALOG_PARALLEL_TOOLS", &cfg.Engine.ParallelTools)
	setInt("DIALOG_MAX_CONCURRENT", &cfg.Queue.MaxConcurrent)
	setInt("DIALOG_MAX_RETRIES", &cfg.Retry.MaxRetries)
	setInt("DIALOG_TOKENS_PER_WINDOW", &cfg.RateLimit.TokensPerWindow)
	setInt("DIALOG_REQUESTS_PER_WINDOW", &cfg.RateLimit.RequestsPerWindow)
	setDuration("DIALOG_TOOL_TIMEOUT", &cfg.Tools.DefaultTimeout)
	setString("DIALOG_SEARCH_URL", &cfg.Tools.Search.URL)

	// DIALOG_MCP_SERVERS: JSON array of MCP server configs.
	if v := os.Getenv("DIALOG_MCP_SERVERS"); v != "" {
		servers, err := parseMCPServersJSON(v)
		if err != nil {
			slog.Warn("ignoring DIALOG_MCP_SERVERS", "error", err)
		} else if len(servers) > 0 {
			cfg.MCP.Servers = servers
		}
	}
}

// parseMCPServersJSON parses a JSON array of MCP server configurations.
func parseMCPServersJSON(jsonStr string) ([]MCPServerConfig, error) {
	var servers []MCPServerConfig
	if err := json.Unmarshal([]byte(jsonStr), &servers); err != nil {
		return nil, fmt.Errorf("parsing MCP servers JSON: %w", err)
	}
	return servers, nil
}

// resolveFileReferences fills value fields from their _file counterparts
// when the value itself is empty.
func resolveFileReferences(cfg *Config) error {
	if cfg.Endpoint.APIKeyFile != "" && cfg.Endpoint.APIKey == "" {
		val, err := readSecretFile(cfg.Endpoint.APIKeyFile)
		if err != nil {
			return fmt.Errorf("endpoint.api_key_file: %w", err)
		}
		cfg.Endpoint.APIKey = val
	}
	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
