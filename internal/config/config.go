package config

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultListen = "127.0.0.1:8640"
)

// Config represents the main configuration structure
type Config struct {
	Listen  string          `json:"listen" mapstructure:"listen"`
	DataDir string          `json:"data_dir" mapstructure:"data-dir"`
	Servers []*ServerConfig `json:"mcpServers" mapstructure:"servers"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`

	// Reconnection backoff policy for upstream servers
	Backoff *BackoffConfig `json:"backoff,omitempty" mapstructure:"backoff"`

	// Tool proxy settings
	Proxy *ProxyConfig `json:"proxy,omitempty" mapstructure:"proxy"`

	// Timeout applied to individual tool calls when the caller supplies none
	CallToolTimeout Duration `json:"call_tool_timeout,omitempty" mapstructure:"call-tool-timeout"`

	// Ceiling for a full health-check cycle (connect+initialize+list tools)
	HealthCheckTimeout Duration `json:"health_check_timeout,omitempty" mapstructure:"health-check-timeout"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`       // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"` // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// BackoffConfig controls the reconnect schedule for failed upstream connections.
// The delay after N consecutive failures is min(initial * multiplier^(N-1), max);
// a successful connect resets the counter.
type BackoffConfig struct {
	InitialDelay Duration `json:"initial_delay" mapstructure:"initial-delay"`
	MaxDelay     Duration `json:"max_delay" mapstructure:"max-delay"`
	Multiplier   float64  `json:"multiplier" mapstructure:"multiplier"`
}

// ProxyConfig holds tool-proxy tuning knobs
type ProxyConfig struct {
	// Window within which a tool call with identical arguments is treated as
	// a duplicate of an in-flight or just-completed call
	DedupeWindow Duration `json:"dedupe_window" mapstructure:"dedupe-window"`

	// Maximum number of tool-call activity records retained in storage
	ActivityLimit int `json:"activity_limit" mapstructure:"activity-limit"`
}

// ServerConfig represents a configured upstream MCP server.
// Immutable after load; runtime state lives in the state store.
type ServerConfig struct {
	ID       string            `json:"id" mapstructure:"id"`
	Name     string            `json:"name" mapstructure:"name"`
	URL      string            `json:"url" mapstructure:"url"`
	Protocol string            `json:"protocol,omitempty" mapstructure:"protocol"` // auto, streamable-http, sse
	Headers  map[string]string `json:"headers,omitempty" mapstructure:"headers"`

	// Whether the server should be connected on startup when no persisted
	// toggle exists yet
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	RequiresAuth bool            `json:"requires_authentication,omitempty" mapstructure:"requires-authentication"`
	OAuth        *OAuthEndpoints `json:"oauth,omitempty" mapstructure:"oauth"`

	// OAuth resource identifier presented during token exchange
	Resource string `json:"resource,omitempty" mapstructure:"resource"`

	// Key prefix for persisted per-server state; defaults to "mcp.<id>"
	StoragePrefix string `json:"storage_prefix,omitempty" mapstructure:"storage-prefix"`
}

// OAuthEndpoints represents the OAuth client registration for a server
type OAuthEndpoints struct {
	RegisterURL   string   `json:"register_url,omitempty" mapstructure:"register-url"`
	AuthURL       string   `json:"auth_url,omitempty" mapstructure:"auth-url"`
	TokenURL      string   `json:"token_url,omitempty" mapstructure:"token-url"`
	IntrospectURL string   `json:"introspect_url,omitempty" mapstructure:"introspect-url"`
	ClientID      string   `json:"client_id,omitempty" mapstructure:"client-id"`
	ClientSecret  string   `json:"client_secret,omitempty" mapstructure:"client-secret"`
	RedirectURI   string   `json:"redirect_uri,omitempty" mapstructure:"redirect-uri"`
	Scopes        []string `json:"scopes,omitempty" mapstructure:"scopes"`
}

// Transport protocol values accepted in ServerConfig.Protocol
const (
	ProtocolAuto           = "auto"
	ProtocolStreamableHTTP = "streamable-http"
	ProtocolSSE            = "sse"
)

// KeyPrefix returns the storage namespace for this server's persisted state
func (s *ServerConfig) KeyPrefix() string {
	if s.StoragePrefix != "" {
		return s.StoragePrefix
	}
	return "mcp." + s.ID
}

// Duration wraps time.Duration so config files can use "30s" style strings
type Duration time.Duration

// Duration returns the wrapped time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler, accepting both "5s" strings
// and plain nanosecond numbers
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration value: %v", v)
	}
}
