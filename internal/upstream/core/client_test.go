package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sidepanel-ai/mcpbridge-go/internal/config"
	"github.com/sidepanel-ai/mcpbridge-go/internal/upstream/types"
)

func newMockMCPServer(t *testing.T, tools ...mcp.Tool) *mcpserver.MCPServer {
	t.Helper()
	s := mcpserver.NewMCPServer("mock-upstream", "1.0.0-test", mcpserver.WithToolCapabilities(true))
	for i := range tools {
		tool := tools[i]
		s.AddTool(tool, func(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("ok:" + request.Params.Name), nil
		})
	}
	return s
}

func startStreamableServer(t *testing.T, s *mcpserver.MCPServer) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(mcpserver.NewStreamableHTTPServer(s))
	t.Cleanup(ts.Close)
	return ts
}

func serverConfig(id, url, protocol string) *config.ServerConfig {
	return &config.ServerConfig{ID: id, Name: id, URL: url, Protocol: protocol}
}

func TestClient_ConnectInitializeListCall(t *testing.T) {
	echo := mcp.NewTool("echo", mcp.WithDescription("echoes input"),
		mcp.WithString("text", mcp.Required()))
	ts := startStreamableServer(t, newMockMCPServer(t, echo))

	c := NewClient("srv", serverConfig("srv", ts.URL, config.ProtocolAuto), "", Events{}, zap.NewNop(), 0)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, "streamable-http", c.TransportKind())
	require.NoError(t, c.Initialize(ctx))
	require.NotNil(t, c.ServerInfo())
	assert.Equal(t, "mock-upstream", c.ServerInfo().ServerInfo.Name)

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
	assert.NotEmpty(t, tools[0].InputSchema)

	status := c.GetStatus()
	assert.Equal(t, types.StateConnected, status.State)
	assert.Len(t, status.Tools, 1)

	result, err := c.CallTool(ctx, "echo", map[string]interface{}{"text": "hi"})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	require.NoError(t, c.Disconnect())
	assert.Equal(t, types.StateDisconnected, c.GetStatus().State)
}

func TestClient_SSEFallback(t *testing.T) {
	s := newMockMCPServer(t, mcp.NewTool("ping"))
	sseServer := mcpserver.NewSSEServer(s)

	// Endpoint that rejects streamable POSTs the way an SSE-only server does
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/sse" {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		sseServer.ServeHTTP(w, r)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	c := NewClient("sse-srv", serverConfig("sse-srv", ts.URL+"/sse", config.ProtocolAuto), "", Events{}, zap.NewNop(), 0)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, "sse", c.TransportKind())
	require.NoError(t, c.Initialize(ctx))

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "ping", tools[0].Name)

	require.NoError(t, c.Disconnect())
}

func TestClient_InitializeBeforeConnect(t *testing.T) {
	c := NewClient("srv", serverConfig("srv", "http://127.0.0.1:1", config.ProtocolStreamableHTTP), "", Events{}, zap.NewNop(), 0)

	err := c.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before connect")
}

func TestClient_CallToolNotConnected(t *testing.T) {
	c := NewClient("srv", serverConfig("srv", "http://127.0.0.1:1", config.ProtocolStreamableHTTP), "", Events{}, zap.NewNop(), 0)

	_, err := c.CallTool(context.Background(), "echo", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	_, err = c.ListTools(context.Background())
	require.Error(t, err)
}

func TestClient_CallToolErrorPayload(t *testing.T) {
	s := mcpserver.NewMCPServer("mock-upstream", "1.0.0-test", mcpserver.WithToolCapabilities(true))
	s.AddTool(mcp.NewTool("broken"), func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("remote tool exploded"), nil
	})
	ts := startStreamableServer(t, s)

	c := NewClient("srv", serverConfig("srv", ts.URL, config.ProtocolStreamableHTTP), "", Events{}, zap.NewNop(), 0)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Initialize(ctx))

	result, err := c.CallTool(ctx, "broken", nil)
	require.Error(t, err)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "broken", toolErr.Tool)
	assert.Contains(t, toolErr.Message, "remote tool exploded")
	assert.NotNil(t, result, "error payload is still returned to the caller")

	// Connection survives a tool-execution error
	assert.Equal(t, types.StateConnected, c.GetStatus().State)
	require.NoError(t, c.Disconnect())
}

func TestClient_DisconnectIdempotent(t *testing.T) {
	ts := startStreamableServer(t, newMockMCPServer(t))

	c := NewClient("srv", serverConfig("srv", ts.URL, config.ProtocolStreamableHTTP), "", Events{}, zap.NewNop(), 0)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	assert.Equal(t, types.StateDisconnected, c.GetStatus().State)
}

func TestClient_StatusChangeEvents(t *testing.T) {
	ts := startStreamableServer(t, newMockMCPServer(t))

	var mu sync.Mutex
	var states []types.ConnectionState
	events := Events{OnStatusChange: func(status types.Status) {
		mu.Lock()
		states = append(states, status.State)
		mu.Unlock()
	}}

	c := NewClient("srv", serverConfig("srv", ts.URL, config.ProtocolAuto), "", events, zap.NewNop(), 0)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.ConnectionState{
		types.StateConnecting,
		types.StateConnected,
		types.StateDisconnected,
	}, states)
}

func TestClient_ConnectUnreachable(t *testing.T) {
	c := NewClient("srv", serverConfig("srv", "http://127.0.0.1:1", config.ProtocolStreamableHTTP), "", Events{}, zap.NewNop(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, types.StateError, c.GetStatus().State)
}
