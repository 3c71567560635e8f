// Package rpc defines the message envelope and dispatch table for the
// boundary between the UI execution context and the background engine. Every
// interaction crosses this boundary as a serialized, correlated
// request/response pair; handlers are keyed by message type.
package rpc

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Message types understood by the dispatcher.
const (
	TypeToolsList       = "mcp/tools/list"
	TypeToolCall        = "mcp/tool/call"
	TypeServersList     = "mcp/servers/list"
	TypeServerEnable    = "mcp/server/enable"
	TypeServerDisable   = "mcp/server/disable"
	TypeServerReconnect = "mcp/server/reconnect"
	TypeHealthCheck     = "mcp/health/check"
	TypeAuthStatus      = "mcp/auth/status"
	TypeActivityList    = "mcp/activity/list"

	TypeWebToolsList       = "webmcp/tools/list"
	TypeWebToolCall        = "webmcp/tool/call"
	TypeWebToolsRegister   = "webmcp/tools/register"
	TypeWebToolsUnregister = "webmcp/tools/unregister"
	TypeWebToolResult      = "webmcp/tool/result"
)

// Request is one message from the UI context. ID correlates the response;
// the dispatcher assigns one when the caller omits it.
type Request struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response mirrors the request's ID and type and carries the uniform
// success/data/error envelope.
type Response struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (r *Request) ensureID() {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
}

func (r *Request) ok(data interface{}) Response {
	return Response{ID: r.ID, Type: r.Type, Success: true, Data: data}
}

func (r *Request) fail(msg string) Response {
	return Response{ID: r.ID, Type: r.Type, Success: false, Error: msg}
}

// ToolCallPayload addresses one tool invocation.
type ToolCallPayload struct {
	ServerID  string                 `json:"server_id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ServerPayload addresses one configured server.
type ServerPayload struct {
	ServerID string `json:"server_id"`
}

// ActivityPayload bounds an activity listing.
type ActivityPayload struct {
	Limit int `json:"limit,omitempty"`
}

// WebToolCallPayload invokes a page-injected tool by name.
type WebToolCallPayload struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// WebRegisterPayload replaces a page's advertised tool set.
type WebRegisterPayload struct {
	PageID string          `json:"page_id"`
	Tools  json.RawMessage `json:"tools"`
}

// WebResultPayload carries a page's answer to a routed call.
type WebResultPayload struct {
	CorrelationID string          `json:"correlation_id"`
	Success       bool            `json:"success"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// ServerSummary is one row of the UI server list.
type ServerSummary struct {
	ServerID  string `json:"server_id"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	State     string `json:"state"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

// AuthStatus is the per-server authorization summary.
type AuthStatus struct {
	ServerID     string `json:"server_id"`
	RequiresAuth bool   `json:"requires_auth"`
	HasToken     bool   `json:"has_token"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	NeedsReauth  bool   `json:"needs_reauth"`
}
