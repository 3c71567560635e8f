package upstream

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sidepanel-ai/mcpbridge-go/internal/auth"
	"github.com/sidepanel-ai/mcpbridge-go/internal/config"
	"github.com/sidepanel-ai/mcpbridge-go/internal/health"
	"github.com/sidepanel-ai/mcpbridge-go/internal/state"
	"github.com/sidepanel-ai/mcpbridge-go/internal/upstream/types"
)

type fakeTokens struct {
	mu    sync.Mutex
	token string
	calls int
}

func (f *fakeTokens) EnsureValidToken(context.Context, string, auth.RefreshFunc) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.token, nil
}

func (f *fakeTokens) set(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeTokens) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSettings struct {
	mu      sync.Mutex
	enabled map[string]bool
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{enabled: make(map[string]bool)}
}

func (f *fakeSettings) GetServerEnabled(prefix string) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	enabled, found := f.enabled[prefix]
	return enabled, found, nil
}

func (f *fakeSettings) SetServerEnabled(prefix, _ string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[prefix] = enabled
	return nil
}

func startMockServer(t *testing.T, tools ...mcp.Tool) *httptest.Server {
	t.Helper()
	s := mcpserver.NewMCPServer("mock-upstream", "1.0.0-test", mcpserver.WithToolCapabilities(true))
	for i := range tools {
		tool := tools[i]
		s.AddTool(tool, func(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("ok:" + request.Params.Name), nil
		})
	}
	ts := httptest.NewServer(mcpserver.NewStreamableHTTPServer(s))
	t.Cleanup(ts.Close)
	return ts
}

func managerConfig(servers ...*config.ServerConfig) *config.Config {
	cfg := config.Default()
	cfg.Backoff.InitialDelay = config.Duration(10 * time.Millisecond)
	cfg.Backoff.MaxDelay = config.Duration(50 * time.Millisecond)
	cfg.Servers = servers
	return cfg
}

func waitForState(t *testing.T, store *state.Store, serverID string, want types.ConnectionState) state.ServerState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entry, ok := store.GetServerState(serverID)
		if ok && entry.Status.State == want {
			return entry
		}
		time.Sleep(10 * time.Millisecond)
	}
	entry, _ := store.GetServerState(serverID)
	t.Fatalf("server %q never reached %s, last state %s (err %q)",
		serverID, want, entry.Status.State, entry.Status.Err)
	return state.ServerState{}
}

func TestManager_StartConnectsEnabledServer(t *testing.T) {
	ts := startMockServer(t, mcp.NewTool("search", mcp.WithDescription("searches")))
	cfg := managerConfig(&config.ServerConfig{
		ID: "srv", Name: "Server", URL: ts.URL, Protocol: config.ProtocolAuto, Enabled: true,
	})
	store := state.NewStore(cfg, zap.NewNop())
	m := NewManager(cfg, store, &fakeTokens{}, newFakeSettings(), nil, zap.NewNop())

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	entry := waitForState(t, store, "srv", types.StateConnected)
	require.NotNil(t, entry.Client)
	require.Len(t, entry.Status.Tools, 1)
	assert.Equal(t, "search", entry.Status.Tools[0].Name)
}

func TestManager_DisableDisconnectsAndPersists(t *testing.T) {
	ts := startMockServer(t, mcp.NewTool("search"))
	cfg := managerConfig(&config.ServerConfig{
		ID: "srv", Name: "Server", URL: ts.URL, Protocol: config.ProtocolAuto, Enabled: true,
	})
	store := state.NewStore(cfg, zap.NewNop())
	settings := newFakeSettings()
	m := NewManager(cfg, store, &fakeTokens{}, settings, nil, zap.NewNop())

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	waitForState(t, store, "srv", types.StateConnected)

	require.NoError(t, m.DisableServer("srv"))
	entry := waitForState(t, store, "srv", types.StateDisconnected)
	assert.Nil(t, entry.Client)
	assert.False(t, entry.Enabled)

	enabled, found, err := settings.GetServerEnabled("mcp.srv")
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, enabled)

	// Re-enable reconnects
	require.NoError(t, m.EnableServer("srv"))
	waitForState(t, store, "srv", types.StateConnected)
}

func TestManager_PersistedFlagOverridesConfig(t *testing.T) {
	ts := startMockServer(t, mcp.NewTool("search"))
	cfg := managerConfig(&config.ServerConfig{
		ID: "srv", Name: "Server", URL: ts.URL, Protocol: config.ProtocolAuto, Enabled: true,
	})
	store := state.NewStore(cfg, zap.NewNop())
	settings := newFakeSettings()
	require.NoError(t, settings.SetServerEnabled("mcp.srv", "srv", false))
	m := NewManager(cfg, store, &fakeTokens{}, settings, nil, zap.NewNop())

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	time.Sleep(100 * time.Millisecond)
	entry, ok := store.GetServerState("srv")
	require.True(t, ok)
	assert.False(t, entry.Enabled)
	assert.Equal(t, types.StateDisconnected, entry.Status.State)
	assert.Nil(t, entry.Client)
}

func TestManager_RetriesTransportFailuresWithBackoff(t *testing.T) {
	cfg := managerConfig(&config.ServerConfig{
		ID: "srv", Name: "Server", URL: "http://127.0.0.1:1", Protocol: config.ProtocolAuto, Enabled: true,
	})
	store := state.NewStore(cfg, zap.NewNop())
	events, cancel := store.Subscribe()
	defer cancel()
	m := NewManager(cfg, store, &fakeTokens{}, newFakeSettings(), nil, zap.NewNop())

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	// With a 10ms initial delay, several connect cycles complete quickly
	var attempts int
	deadline := time.After(3 * time.Second)
	for attempts < 3 {
		select {
		case ev := <-events:
			if ev.State.Status.State == types.StateConnecting {
				attempts++
			}
		case <-deadline:
			t.Fatalf("saw only %d connect attempts", attempts)
		}
	}
}

func TestManager_AuthFailureParksInsteadOfRetrying(t *testing.T) {
	ts := startMockServer(t, mcp.NewTool("search"))
	cfg := managerConfig(&config.ServerConfig{
		ID: "srv", Name: "Server", URL: ts.URL, Protocol: config.ProtocolAuto,
		Enabled: true, RequiresAuth: true,
		OAuth: &config.OAuthEndpoints{TokenURL: "http://unused.invalid/token"},
	})
	store := state.NewStore(cfg, zap.NewNop())
	tokens := &fakeTokens{}
	m := NewManager(cfg, store, tokens, newFakeSettings(), nil, zap.NewNop())

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	entry := waitForState(t, store, "srv", types.StateError)
	assert.Contains(t, entry.Status.Err, "authorization required")

	// Parked: no further token resolution attempts while unauthenticated
	settled := tokens.callCount()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, settled, tokens.callCount())

	// User completes authorization, reconnect is kicked explicitly
	tokens.set("valid-token")
	require.NoError(t, m.TriggerReconnect("srv"))
	waitForState(t, store, "srv", types.StateConnected)
}

func TestManager_ToolRefreshRacesReconnect(t *testing.T) {
	ts := startMockServer(t, mcp.NewTool("search"))
	cfg := managerConfig(&config.ServerConfig{
		ID: "srv", Name: "Server", URL: ts.URL, Protocol: config.ProtocolAuto, Enabled: true,
	})
	store := state.NewStore(cfg, zap.NewNop())
	m := NewManager(cfg, store, &fakeTokens{}, newFakeSettings(), nil, zap.NewNop())

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	waitForState(t, store, "srv", types.StateConnected)

	m.mu.Lock()
	sup := m.supervisors["srv"]
	m.mu.Unlock()
	require.NotNil(t, sup)

	// Deliver catalog refreshes the way the transport read loop does, from a
	// separate goroutine, while the connection is torn down and rebuilt.
	note := mcp.JSONRPCNotification{
		Notification: mcp.Notification{Method: "notifications/tools/list_changed"},
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			sup.onNotification(note)
		}
	}()

	require.NoError(t, m.DisableServer("srv"))
	require.NoError(t, m.EnableServer("srv"))
	<-done

	waitForState(t, store, "srv", types.StateConnected)
}

func TestManager_HealthCheckDoesNotDisturbLiveConnection(t *testing.T) {
	ts := startMockServer(t, mcp.NewTool("search"))
	cfg := managerConfig(&config.ServerConfig{
		ID: "srv", Name: "Server", URL: ts.URL, Protocol: config.ProtocolAuto, Enabled: true,
	})
	store := state.NewStore(cfg, zap.NewNop())
	m := NewManager(cfg, store, &fakeTokens{}, newFakeSettings(), nil, zap.NewNop())

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	before := waitForState(t, store, "srv", types.StateConnected)

	checker := health.NewChecker(cfg, &fakeTokens{}, zap.NewNop(), 5*time.Second)
	result := checker.Check(context.Background(), "srv")
	require.True(t, result.Success, "error: %s", result.Error)

	after, ok := store.GetServerState("srv")
	require.True(t, ok)
	assert.Equal(t, types.StateConnected, after.Status.State)
	assert.Same(t, before.Client, after.Client)
}
