package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Default returns a configuration with all tunables set to their defaults
func Default() *Config {
	return &Config{
		Listen:  defaultListen,
		DataDir: defaultDataDir(),
		Logging: &LogConfig{
			Level:         "info",
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
		},
		Backoff: &BackoffConfig{
			InitialDelay: Duration(500 * time.Millisecond),
			MaxDelay:     Duration(30 * time.Second),
			Multiplier:   2,
		},
		Proxy: &ProxyConfig{
			DedupeWindow:  Duration(5 * time.Second),
			ActivityLimit: 500,
		},
		CallToolTimeout:    Duration(2 * time.Minute),
		HealthCheckTimeout: Duration(15 * time.Second),
	}
}

// Load reads a JSON config file, fills defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if cfg.Logging == nil {
		cfg.Logging = Default().Logging
	}
	if cfg.Backoff == nil {
		cfg.Backoff = Default().Backoff
	}
	if cfg.Backoff.Multiplier <= 1 {
		cfg.Backoff.Multiplier = 2
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = Duration(500 * time.Millisecond)
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = Duration(30 * time.Second)
	}
	if cfg.Proxy == nil {
		cfg.Proxy = Default().Proxy
	}
	if cfg.Proxy.DedupeWindow <= 0 {
		cfg.Proxy.DedupeWindow = Duration(5 * time.Second)
	}
	if cfg.Proxy.ActivityLimit <= 0 {
		cfg.Proxy.ActivityLimit = 500
	}
	if cfg.CallToolTimeout <= 0 {
		cfg.CallToolTimeout = Duration(2 * time.Minute)
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = Duration(15 * time.Second)
	}
	for _, server := range cfg.Servers {
		if server.Name == "" {
			server.Name = server.ID
		}
		if server.Protocol == "" {
			server.Protocol = ProtocolAuto
		}
	}
}

// Validate checks the configuration for fatal problems
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Servers))
	for _, server := range c.Servers {
		if server.ID == "" {
			return fmt.Errorf("server with URL %q has no id", server.URL)
		}
		if _, dup := seen[server.ID]; dup {
			return fmt.Errorf("duplicate server id %q", server.ID)
		}
		seen[server.ID] = struct{}{}

		if server.URL == "" {
			return fmt.Errorf("server %q has no URL", server.ID)
		}
		switch server.Protocol {
		case ProtocolAuto, ProtocolStreamableHTTP, ProtocolSSE:
		default:
			return fmt.Errorf("server %q has unknown protocol %q", server.ID, server.Protocol)
		}
		if server.RequiresAuth && (server.OAuth == nil || server.OAuth.TokenURL == "") {
			return fmt.Errorf("server %q requires authentication but has no token URL", server.ID)
		}
	}
	return nil
}

// ServerByID returns the static config for a server id, or nil if the id is
// not in the configured server list
func (c *Config) ServerByID(id string) *ServerConfig {
	for _, server := range c.Servers {
		if server.ID == id {
			return server
		}
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcpbridge"
	}
	return filepath.Join(home, ".mcpbridge")
}
