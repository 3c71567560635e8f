// Package core implements the per-server MCP transport client. It hides
// whether the remote speaks Streamable HTTP or the legacy HTTP+SSE transport
// behind one connect/initialize/call surface. Reconnect scheduling is NOT
// handled here; the client only reports its state truthfully through the
// status callback and leaves retry policy to the connection manager.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/sidepanel-ai/mcpbridge-go/internal/config"
	"github.com/sidepanel-ai/mcpbridge-go/internal/transport"
	"github.com/sidepanel-ai/mcpbridge-go/internal/upstream/types"
)

const clientName = "mcpbridge-go"

// Events are callbacks supplied at construction. They fire from the
// transport's read loop, not from the caller's goroutine: the owner must
// treat them as arriving at arbitrary times relative to its own calls.
type Events struct {
	OnStatusChange func(types.Status)
	OnMessage      func(mcp.JSONRPCNotification)
}

// ToolError is returned by CallTool when the remote tool itself reported a
// failure. The connection remains usable; this is not a transport error.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q failed: %s", e.Tool, e.Message)
}

// Client maintains one bidirectional MCP session with a single server
type Client struct {
	id          string
	cfg         *config.ServerConfig
	token       string
	logger      *zap.Logger
	events      Events
	state       *types.StateManager
	callTimeout time.Duration

	mu            sync.RWMutex
	mcpClient     *client.Client
	serverInfo    *mcp.InitializeResult
	transportKind string
	connected     bool
	initialized   bool
}

// NewClient creates a transport client for one server. The bearer token may
// be empty for servers that do not require authentication.
func NewClient(id string, cfg *config.ServerConfig, token string, events Events, logger *zap.Logger, callTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = 2 * time.Minute
	}
	c := &Client{
		id:          id,
		cfg:         cfg,
		token:       token,
		logger:      logger.With(zap.String("server_id", id), zap.String("server", cfg.Name)),
		events:      events,
		state:       types.NewStateManager(),
		callTimeout: callTimeout,
	}
	c.state.SetChangeCallback(func(_, _ types.ConnectionState, status types.Status) {
		if c.events.OnStatusChange != nil {
			c.events.OnStatusChange(status)
		}
	})
	return c
}

// TransportKind reports which wire transport the session ended up on
func (c *Client) TransportKind() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transportKind
}

// IsConnected returns whether a transport session is established
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetStatus returns a synchronous snapshot of the connection; never blocks
func (c *Client) GetStatus() types.Status {
	return c.state.Snapshot()
}

// Connect establishes the transport session. With protocol "auto" it tries
// Streamable HTTP first and falls back to HTTP+SSE when the failure looks
// like a transport mismatch rather than an unreachable or auth-rejecting
// server. A rejected bearer token fails immediately on either path.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	c.state.SetConnecting()

	var kinds []string
	switch c.cfg.Protocol {
	case config.ProtocolStreamableHTTP:
		kinds = []string{transport.KindStreamableHTTP}
	case config.ProtocolSSE:
		kinds = []string{transport.KindSSE}
	default:
		kinds = []string{transport.KindStreamableHTTP, transport.KindSSE}
	}
	autoDetect := len(kinds) > 1

	var lastErr error
	for _, kind := range kinds {
		c.logger.Debug("Trying transport", zap.String("transport", kind))

		err := c.connectWith(ctx, kind)
		if err == nil {
			c.logger.Info("Transport session established", zap.String("transport", kind))
			return nil
		}
		lastErr = err

		if transport.IsAuthError(err) {
			c.logger.Warn("Bearer token rejected by server", zap.Error(err))
			c.state.SetError(err)
			return fmt.Errorf("authentication rejected: %w", err)
		}
		if autoDetect && kind == transport.KindStreamableHTTP && transport.IsTransportMismatch(err) {
			c.logger.Debug("Streamable HTTP rejected, falling back to SSE", zap.Error(err))
			continue
		}
		break
	}

	c.state.SetError(lastErr)
	return fmt.Errorf("connect failed: %w", lastErr)
}

// connectWith builds and starts a client on one transport, then probes the
// initialize handshake. The probe is unconditional: the Streamable HTTP
// transport performs no I/O on start, so an unreachable endpoint or a
// transport mismatch only surfaces on the first POST.
func (c *Client) connectWith(ctx context.Context, kind string) error {
	tcfg := &transport.Config{
		URL:         c.cfg.URL,
		Headers:     c.cfg.Headers,
		BearerToken: c.token,
	}

	var (
		mcpClient *client.Client
		err       error
	)
	switch kind {
	case transport.KindStreamableHTTP:
		mcpClient, err = transport.NewStreamableHTTPClient(tcfg)
	case transport.KindSSE:
		mcpClient, err = transport.NewSSEClient(tcfg)
	default:
		return fmt.Errorf("unknown transport kind %q", kind)
	}
	if err != nil {
		return err
	}

	mcpClient.OnNotification(func(notification mcp.JSONRPCNotification) {
		if c.events.OnMessage != nil {
			c.events.OnMessage(notification)
		}
	})
	mcpClient.OnConnectionLost(func(lostErr error) {
		c.logger.Warn("Connection lost", zap.String("transport", kind), zap.Error(lostErr))
		c.mu.Lock()
		c.connected = false
		c.initialized = false
		c.mu.Unlock()
		c.state.SetError(lostErr)
	})

	// The SSE read loop outlives the connect call, so it gets a background
	// context; the connect context only bounds the handshake.
	startCtx := ctx
	if kind == transport.KindSSE {
		startCtx = context.Background()
	}
	if err := mcpClient.Start(startCtx); err != nil {
		mcpClient.Close()
		return fmt.Errorf("transport start failed: %w", err)
	}

	c.mu.Lock()
	c.mcpClient = mcpClient
	c.transportKind = kind
	c.connected = true
	c.initialized = false
	c.mu.Unlock()

	if err := c.initialize(ctx); err != nil {
		c.teardown()
		return err
	}

	c.state.SetConnected(nil)
	return nil
}

// Initialize performs the MCP handshake. It must be called after Connect and
// before any tool operation. When Connect already probed the handshake for
// transport auto-detection, the recorded result is kept.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.RLock()
	connected := c.connected
	initialized := c.initialized
	c.mu.RUnlock()

	if !connected {
		return fmt.Errorf("initialize called before connect")
	}
	if initialized {
		return nil
	}
	if err := c.initialize(ctx); err != nil {
		c.state.SetError(err)
		return err
	}
	return nil
}

func (c *Client) initialize(ctx context.Context) error {
	c.mu.RLock()
	mcpClient := c.mcpClient
	c.mu.RUnlock()

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: "1.0.0",
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := mcpClient.Initialize(ctx, initRequest)
	if err != nil {
		return fmt.Errorf("MCP initialize failed: %w", err)
	}
	if serverInfo == nil || serverInfo.ProtocolVersion == "" {
		return fmt.Errorf("malformed initialize response from server")
	}

	c.mu.Lock()
	c.serverInfo = serverInfo
	c.initialized = true
	c.mu.Unlock()

	c.logger.Info("MCP initialization successful",
		zap.String("server_name", serverInfo.ServerInfo.Name),
		zap.String("server_version", serverInfo.ServerInfo.Version),
		zap.String("protocol_version", serverInfo.ProtocolVersion))
	return nil
}

// ServerInfo returns the initialize result, or nil before the handshake
func (c *Client) ServerInfo() *mcp.InitializeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ListTools retrieves the server's advertised tool catalog
func (c *Client) ListTools(ctx context.Context) ([]types.Tool, error) {
	c.mu.RLock()
	mcpClient := c.mcpClient
	initialized := c.initialized
	serverInfo := c.serverInfo
	c.mu.RUnlock()

	if mcpClient == nil || !initialized {
		return nil, fmt.Errorf("client not connected")
	}
	if serverInfo.Capabilities.Tools == nil {
		return nil, nil
	}

	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	tools := make([]types.Tool, 0, len(result.Tools))
	for i := range result.Tools {
		tool := &result.Tools[i]
		var schema json.RawMessage
		if raw, err := json.Marshal(tool.InputSchema); err == nil {
			schema = raw
		}
		tools = append(tools, types.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	c.state.SetTools(tools)
	c.logger.Debug("Retrieved tool catalog", zap.Int("tool_count", len(tools)))
	return tools, nil
}

// CallTool sends a tool invocation and awaits the correlated response. A
// timeout or an error payload from the remote tool is a tool-execution
// failure; the transport session stays up in both cases.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	mcpClient := c.mcpClient
	initialized := c.initialized
	c.mu.RUnlock()

	if mcpClient == nil || !initialized {
		return nil, fmt.Errorf("client not connected")
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args

	callCtx := ctx
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.callTimeout {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	result, err := mcpClient.CallTool(callCtx, request)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, &ToolError{Tool: name, Message: fmt.Sprintf("timed out after %v", c.callTimeout)}
		}
		return nil, fmt.Errorf("CallTool failed for %q: %w", name, err)
	}

	if result.IsError {
		return result, &ToolError{Tool: name, Message: resultText(result)}
	}
	return result, nil
}

// resultText flattens the text content of a tool result for error reporting
func resultText(result *mcp.CallToolResult) string {
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			return text.Text
		}
	}
	return "unknown tool error"
}

// Disconnect tears down the transport session. Idempotent: calling it twice
// has no additional effect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	wasConnected := c.connected || c.mcpClient != nil
	c.mu.Unlock()

	if !wasConnected {
		return nil
	}
	c.teardown()
	c.state.SetDisconnected()
	c.logger.Debug("Disconnected from server")
	return nil
}

func (c *Client) teardown() {
	c.mu.Lock()
	mcpClient := c.mcpClient
	c.mcpClient = nil
	c.serverInfo = nil
	c.connected = false
	c.initialized = false
	c.mu.Unlock()

	if mcpClient != nil {
		mcpClient.Close()
	}
}
