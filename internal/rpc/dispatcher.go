package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sidepanel-ai/mcpbridge-go/internal/auth"
	"github.com/sidepanel-ai/mcpbridge-go/internal/health"
	"github.com/sidepanel-ai/mcpbridge-go/internal/proxy"
	"github.com/sidepanel-ai/mcpbridge-go/internal/state"
	"github.com/sidepanel-ai/mcpbridge-go/internal/storage"
	"github.com/sidepanel-ai/mcpbridge-go/internal/webmcp"
)

// ToolProxy is the slice of the proxy the dispatcher needs.
type ToolProxy interface {
	Catalog(ctx context.Context) map[string]proxy.Tool
	CallServerTool(ctx context.Context, serverID, name string, args map[string]interface{}) *proxy.CallResult
}

// ServerControl toggles and reconnects servers. *upstream.Manager satisfies it.
type ServerControl interface {
	EnableServer(serverID string) error
	DisableServer(serverID string) error
	TriggerReconnect(serverID string) error
}

// HealthChecker runs on-demand probes. *health.Checker satisfies it.
type HealthChecker interface {
	Check(ctx context.Context, serverID string) *health.Result
}

// TokenReader reports stored token material. *auth.Helper satisfies it.
type TokenReader interface {
	Tokens(serverID string) (*auth.TokenSet, error)
}

// ActivityLister reads the tool-call log. *storage.BoltDB satisfies it.
type ActivityLister interface {
	ListToolCalls(limit int) ([]*storage.ToolCallRecord, error)
}

type handlerFunc func(ctx context.Context, req *Request) Response

// Dispatcher routes requests from the UI boundary to the background
// components by message type.
type Dispatcher struct {
	store    *state.Store
	proxy    ToolProxy
	control  ServerControl
	checker  HealthChecker
	tokens   TokenReader
	activity ActivityLister
	pages    *webmcp.Registry
	logger   *zap.Logger
	handlers map[string]handlerFunc
}

// NewDispatcher wires the dispatch table. Any dependency may be nil; its
// message types then answer with an error instead of panicking.
func NewDispatcher(store *state.Store, toolProxy ToolProxy, control ServerControl, checker HealthChecker, tokens TokenReader, activity ActivityLister, pages *webmcp.Registry, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		proxy:    toolProxy,
		control:  control,
		checker:  checker,
		tokens:   tokens,
		activity: activity,
		pages:    pages,
		logger:   logger.Named("rpc"),
	}
	d.handlers = map[string]handlerFunc{
		TypeToolsList:          d.handleToolsList,
		TypeToolCall:           d.handleToolCall,
		TypeServersList:        d.handleServersList,
		TypeServerEnable:       d.handleServerEnable,
		TypeServerDisable:      d.handleServerDisable,
		TypeServerReconnect:    d.handleServerReconnect,
		TypeHealthCheck:        d.handleHealthCheck,
		TypeAuthStatus:         d.handleAuthStatus,
		TypeActivityList:       d.handleActivityList,
		TypeWebToolsList:       d.handleWebToolsList,
		TypeWebToolCall:        d.handleWebToolCall,
		TypeWebToolsRegister:   d.handleWebToolsRegister,
		TypeWebToolsUnregister: d.handleWebToolsUnregister,
		TypeWebToolResult:      d.handleWebToolResult,
	}
	return d
}

// Dispatch routes one request. Unknown types yield a failure response, never
// a dropped message. The scoped form "mcp/<serverId>/tool/call" is accepted
// alongside the generic TypeToolCall.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) Response {
	req.ensureID()
	started := time.Now()

	handler, ok := d.handlers[req.Type]
	if !ok {
		if serverID, found := scopedToolCall(req.Type); found {
			return d.callTool(ctx, req, serverID)
		}
		return req.fail(fmt.Sprintf("unknown message type %q", req.Type))
	}
	resp := handler(ctx, req)
	d.logger.Debug("Dispatched",
		zap.String("type", req.Type),
		zap.String("id", req.ID),
		zap.Bool("success", resp.Success),
		zap.Duration("elapsed", time.Since(started)))
	return resp
}

// scopedToolCall matches "mcp/<serverId>/tool/call".
func scopedToolCall(msgType string) (string, bool) {
	parts := strings.Split(msgType, "/")
	if len(parts) == 4 && parts[0] == "mcp" && parts[2] == "tool" && parts[3] == "call" && parts[1] != "" {
		return parts[1], true
	}
	return "", false
}

func (d *Dispatcher) handleToolsList(ctx context.Context, req *Request) Response {
	if d.proxy == nil {
		return req.fail("tool proxy unavailable")
	}
	// Listing goes through the catalog so name shadowing across servers is
	// logged and counted, not just detected in isolation.
	catalog := d.proxy.Catalog(ctx)
	tools := make([]proxy.Tool, 0, len(catalog)/2+1)
	for key, tool := range catalog {
		if key == tool.Key() {
			tools = append(tools, tool)
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Key() < tools[j].Key() })
	return req.ok(map[string]interface{}{"tools": tools})
}

func (d *Dispatcher) handleToolCall(ctx context.Context, req *Request) Response {
	var payload ToolCallPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return req.fail(fmt.Sprintf("malformed payload: %v", err))
	}
	if payload.ServerID == "" {
		return req.fail("server_id is required")
	}
	return d.callToolWith(ctx, req, payload.ServerID, payload.Name, payload.Arguments)
}

func (d *Dispatcher) callTool(ctx context.Context, req *Request, serverID string) Response {
	var payload ToolCallPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return req.fail(fmt.Sprintf("malformed payload: %v", err))
	}
	return d.callToolWith(ctx, req, serverID, payload.Name, payload.Arguments)
}

func (d *Dispatcher) callToolWith(ctx context.Context, req *Request, serverID, name string, args map[string]interface{}) Response {
	if d.proxy == nil {
		return req.fail("tool proxy unavailable")
	}
	if name == "" {
		return req.fail("tool name is required")
	}
	result := d.proxy.CallServerTool(ctx, serverID, name, args)
	if !result.Success {
		return req.fail(result.Error)
	}
	return req.ok(result.Data)
}

func (d *Dispatcher) handleServersList(_ context.Context, req *Request) Response {
	summaries := make([]ServerSummary, 0, 8)
	for serverID, entry := range d.store.All() {
		summaries = append(summaries, ServerSummary{
			ServerID:  serverID,
			Name:      entry.Config.Name,
			Enabled:   entry.Enabled,
			State:     entry.Status.State.String(),
			ToolCount: len(entry.Status.Tools),
			Error:     entry.Status.Err,
		})
	}
	return req.ok(map[string]interface{}{"servers": summaries})
}

func (d *Dispatcher) handleServerEnable(_ context.Context, req *Request) Response {
	return d.serverToggle(req, func(serverID string) error { return d.control.EnableServer(serverID) })
}

func (d *Dispatcher) handleServerDisable(_ context.Context, req *Request) Response {
	return d.serverToggle(req, func(serverID string) error { return d.control.DisableServer(serverID) })
}

func (d *Dispatcher) handleServerReconnect(_ context.Context, req *Request) Response {
	return d.serverToggle(req, func(serverID string) error { return d.control.TriggerReconnect(serverID) })
}

func (d *Dispatcher) serverToggle(req *Request, apply func(string) error) Response {
	if d.control == nil {
		return req.fail("server control unavailable")
	}
	var payload ServerPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return req.fail(fmt.Sprintf("malformed payload: %v", err))
	}
	if payload.ServerID == "" {
		return req.fail("server_id is required")
	}
	if err := apply(payload.ServerID); err != nil {
		return req.fail(err.Error())
	}
	return req.ok(map[string]interface{}{"server_id": payload.ServerID})
}

func (d *Dispatcher) handleHealthCheck(ctx context.Context, req *Request) Response {
	if d.checker == nil {
		return req.fail("health checker unavailable")
	}
	var payload ServerPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return req.fail(fmt.Sprintf("malformed payload: %v", err))
	}
	result := d.checker.Check(ctx, payload.ServerID)
	// The probe outcome is the data either way; a failed check is still a
	// successfully-answered question
	return req.ok(result)
}

func (d *Dispatcher) handleAuthStatus(_ context.Context, req *Request) Response {
	if d.tokens == nil {
		return req.fail("auth helper unavailable")
	}
	statuses := make([]AuthStatus, 0, 8)
	for serverID, entry := range d.store.All() {
		status := AuthStatus{
			ServerID:     serverID,
			RequiresAuth: entry.Config.RequiresAuth,
		}
		if entry.Config.RequiresAuth {
			tokens, err := d.tokens.Tokens(serverID)
			if err != nil {
				d.logger.Warn("Failed to read tokens",
					zap.String("server_id", serverID), zap.Error(err))
			}
			if tokens != nil {
				status.HasToken = true
				if !tokens.ExpiresAt.IsZero() {
					status.ExpiresAt = tokens.ExpiresAt.Format(time.RFC3339)
				}
				status.NeedsReauth = !tokens.Valid(time.Now(), auth.DefaultExpiryMargin) && tokens.RefreshToken == ""
			} else {
				status.NeedsReauth = true
			}
		}
		statuses = append(statuses, status)
	}
	return req.ok(map[string]interface{}{"servers": statuses})
}

func (d *Dispatcher) handleActivityList(_ context.Context, req *Request) Response {
	if d.activity == nil {
		return req.fail("activity log unavailable")
	}
	payload := ActivityPayload{Limit: 50}
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return req.fail(fmt.Sprintf("malformed payload: %v", err))
		}
	}
	records, err := d.activity.ListToolCalls(payload.Limit)
	if err != nil {
		return req.fail(err.Error())
	}
	return req.ok(map[string]interface{}{"calls": records})
}

func (d *Dispatcher) handleWebToolsList(_ context.Context, req *Request) Response {
	if d.pages == nil {
		return req.fail("webmcp registry unavailable")
	}
	return req.ok(map[string]interface{}{"tools": d.pages.Tools()})
}

func (d *Dispatcher) handleWebToolCall(ctx context.Context, req *Request) Response {
	if d.pages == nil {
		return req.fail("webmcp registry unavailable")
	}
	var payload WebToolCallPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return req.fail(fmt.Sprintf("malformed payload: %v", err))
	}
	if payload.Name == "" {
		return req.fail("tool name is required")
	}
	result := d.pages.Call(ctx, payload.Name, payload.Arguments)
	if !result.Success {
		return req.fail(result.Error)
	}
	return req.ok(result.Data)
}

func (d *Dispatcher) handleWebToolsRegister(_ context.Context, req *Request) Response {
	if d.pages == nil {
		return req.fail("webmcp registry unavailable")
	}
	var payload WebRegisterPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return req.fail(fmt.Sprintf("malformed payload: %v", err))
	}
	if payload.PageID == "" {
		return req.fail("page_id is required")
	}
	var tools []webmcp.Tool
	if len(payload.Tools) > 0 {
		if err := json.Unmarshal(payload.Tools, &tools); err != nil {
			return req.fail(fmt.Sprintf("malformed tools: %v", err))
		}
	}
	d.pages.RegisterPage(payload.PageID, tools)
	return req.ok(map[string]interface{}{"page_id": payload.PageID, "tool_count": len(tools)})
}

func (d *Dispatcher) handleWebToolsUnregister(_ context.Context, req *Request) Response {
	if d.pages == nil {
		return req.fail("webmcp registry unavailable")
	}
	var payload WebRegisterPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return req.fail(fmt.Sprintf("malformed payload: %v", err))
	}
	d.pages.UnregisterPage(payload.PageID)
	return req.ok(map[string]interface{}{"page_id": payload.PageID})
}

func (d *Dispatcher) handleWebToolResult(_ context.Context, req *Request) Response {
	if d.pages == nil {
		return req.fail("webmcp registry unavailable")
	}
	var payload WebResultPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return req.fail(fmt.Sprintf("malformed payload: %v", err))
	}
	d.pages.Resolve(payload.CorrelationID, &webmcp.Result{
		Success: payload.Success,
		Data:    payload.Data,
		Error:   payload.Error,
	})
	return req.ok(nil)
}
