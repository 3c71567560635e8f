package health

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sidepanel-ai/mcpbridge-go/internal/auth"
	"github.com/sidepanel-ai/mcpbridge-go/internal/config"
)

type staticTokens struct {
	token string
	err   error
}

func (s *staticTokens) EnsureValidToken(context.Context, string, auth.RefreshFunc) (string, error) {
	return s.token, s.err
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

func checkerConfig(url string, requiresAuth bool) *config.Config {
	cfg := config.Default()
	cfg.Servers = []*config.ServerConfig{{
		ID:           "srv",
		Name:         "Server",
		URL:          url,
		Protocol:     config.ProtocolAuto,
		RequiresAuth: requiresAuth,
	}}
	return cfg
}

func TestChecker_Success(t *testing.T) {
	ts := startMockServer(t, mcp.NewTool("search", mcp.WithDescription("searches")))
	checker := NewChecker(checkerConfig(ts.URL, false), &staticTokens{}, zap.NewNop(), 5*time.Second)

	result := checker.Check(context.Background(), "srv")
	require.True(t, result.Success, "error: %s", result.Error)
	assert.Equal(t, "connected", result.State)
	assert.Equal(t, 1, result.ToolCount)
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "search", result.Tools[0].Name)
	assert.Equal(t, FailureNone, result.Failure)
}

func TestChecker_UnknownServer(t *testing.T) {
	checker := NewChecker(config.Default(), &staticTokens{}, zap.NewNop(), time.Second)

	result := checker.Check(context.Background(), "ghost")
	assert.False(t, result.Success)
	assert.Equal(t, FailureConfig, result.Failure)
}

func TestChecker_MissingToken(t *testing.T) {
	ts := startMockServer(t, mcp.NewTool("search"))
	checker := NewChecker(checkerConfig(ts.URL, true), &staticTokens{token: ""}, zap.NewNop(), time.Second)

	result := checker.Check(context.Background(), "srv")
	assert.False(t, result.Success)
	assert.Equal(t, FailureAuth, result.Failure)
	assert.Contains(t, result.Error, "authorization required")
}

func TestChecker_Unreachable(t *testing.T) {
	checker := NewChecker(checkerConfig("http://127.0.0.1:1", false), &staticTokens{}, zap.NewNop(), 2*time.Second)

	result := checker.Check(context.Background(), "srv")
	assert.False(t, result.Success)
	assert.Equal(t, FailureTransport, result.Failure)
	assert.NotEmpty(t, result.Error)
}

func TestChecker_ZeroToolsIsFailure(t *testing.T) {
	ts := startMockServer(t)
	checker := NewChecker(checkerConfig(ts.URL, false), &staticTokens{}, zap.NewNop(), 5*time.Second)

	result := checker.Check(context.Background(), "srv")
	assert.False(t, result.Success)
	assert.Equal(t, FailureNoTools, result.Failure)
}
