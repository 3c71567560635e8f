package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `{
		"mcpServers": [
			{"id": "linear", "url": "https://mcp.linear.app/sse"}
		]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, defaultListen, cfg.Listen)
	assert.Equal(t, 500*time.Millisecond, cfg.Backoff.InitialDelay.Duration())
	assert.Equal(t, 30*time.Second, cfg.Backoff.MaxDelay.Duration())
	assert.Equal(t, float64(2), cfg.Backoff.Multiplier)
	assert.Equal(t, 5*time.Second, cfg.Proxy.DedupeWindow.Duration())

	require.Len(t, cfg.Servers, 1)
	server := cfg.Servers[0]
	assert.Equal(t, "linear", server.Name, "name defaults to id")
	assert.Equal(t, ProtocolAuto, server.Protocol)
	assert.Equal(t, "mcp.linear", server.KeyPrefix())
}

func TestLoad_DurationStrings(t *testing.T) {
	path := writeConfig(t, `{
		"call_tool_timeout": "45s",
		"backoff": {"initial_delay": "250ms", "max_delay": "1m", "multiplier": 3},
		"mcpServers": []
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.CallToolTimeout.Duration())
	assert.Equal(t, 250*time.Millisecond, cfg.Backoff.InitialDelay.Duration())
	assert.Equal(t, time.Minute, cfg.Backoff.MaxDelay.Duration())
	assert.Equal(t, float64(3), cfg.Backoff.Multiplier)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		servers []*ServerConfig
		wantErr string
	}{
		{
			name:    "missing id",
			servers: []*ServerConfig{{URL: "https://example.com/mcp"}},
			wantErr: "no id",
		},
		{
			name: "duplicate id",
			servers: []*ServerConfig{
				{ID: "a", URL: "https://one.example.com", Protocol: ProtocolAuto},
				{ID: "a", URL: "https://two.example.com", Protocol: ProtocolAuto},
			},
			wantErr: "duplicate server id",
		},
		{
			name:    "missing url",
			servers: []*ServerConfig{{ID: "a", Protocol: ProtocolAuto}},
			wantErr: "no URL",
		},
		{
			name:    "bad protocol",
			servers: []*ServerConfig{{ID: "a", URL: "https://example.com", Protocol: "websocket"}},
			wantErr: "unknown protocol",
		},
		{
			name: "auth without token url",
			servers: []*ServerConfig{
				{ID: "a", URL: "https://example.com", Protocol: ProtocolAuto, RequiresAuth: true},
			},
			wantErr: "no token URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Servers = tt.servers
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServerByID(t *testing.T) {
	cfg := Default()
	cfg.Servers = []*ServerConfig{
		{ID: "notion", URL: "https://mcp.notion.com/mcp", Protocol: ProtocolAuto},
	}

	assert.NotNil(t, cfg.ServerByID("notion"))
	assert.Nil(t, cfg.ServerByID("unknown"))
}

func TestDuration_MarshalRoundTrip(t *testing.T) {
	d := Duration(1500 * time.Millisecond)
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(data))

	var parsed Duration
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, d, parsed)
}
