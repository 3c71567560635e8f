package storage

import (
	"time"
)

// Bucket names for the bbolt database
const (
	ServerSettingsBucket = "server_settings"
	OAuthTokenBucket     = "oauth_tokens" //nolint:gosec // bucket name, not a credential
	ActivityBucket       = "activity"
	MetaBucket           = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
)

// Current schema version
const CurrentSchemaVersion = 1

// ServerSettingsRecord holds the persisted per-server user toggles. Keyed by
// the server's storage prefix ("mcp.<serverId>") so entries from different
// servers never collide.
type ServerSettingsRecord struct {
	ServerID string    `json:"server_id"`
	Enabled  bool      `json:"enabled"`
	Updated  time.Time `json:"updated"`
}

// OAuthTokenRecord represents stored OAuth tokens for a server
type OAuthTokenRecord struct {
	ServerID     string    `json:"server_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// ToolCallRecord is one entry in the tool-call activity log
type ToolCallRecord struct {
	ID         string        `json:"id"`
	ServerID   string        `json:"server_id"`
	ServerName string        `json:"server_name"`
	Tool       string        `json:"tool"`
	ArgsHash   string        `json:"args_hash,omitempty"`
	Duration   time.Duration `json:"duration"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Deduped    bool          `json:"deduped,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
}
