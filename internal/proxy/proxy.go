// Package proxy presents one flat tool catalog aggregated from every
// connected MCP server and routes each invocation to the owning server's
// live connection. It never owns connections itself; the state store is the
// only path to them.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sidepanel-ai/mcpbridge-go/internal/config"
	"github.com/sidepanel-ai/mcpbridge-go/internal/observability"
	"github.com/sidepanel-ai/mcpbridge-go/internal/state"
	"github.com/sidepanel-ai/mcpbridge-go/internal/storage"
	"github.com/sidepanel-ai/mcpbridge-go/internal/upstream/core"
)

// NotConnectedError is the envelope error text for a call routed to a server
// without a live connection.
const NotConnectedError = "Not connected"

// Tool is a catalog entry: a server's tool tagged with its origin so
// execution routes correctly even when display names collide.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	ServerID    string          `json:"server_id"`
	ServerName  string          `json:"server_name"`
}

// Key returns the collision-free catalog key.
func (t Tool) Key() string {
	return t.ServerID + ":" + t.Name
}

// CallResult is the uniform envelope returned to the UI/LLM layer.
type CallResult struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Deduped bool        `json:"deduped,omitempty"`
}

// ActivityStore records proxied calls. *storage.BoltDB satisfies it.
type ActivityStore interface {
	AppendToolCall(record *storage.ToolCallRecord, limit int) error
}

// Proxy aggregates catalogs and executes calls.
type Proxy struct {
	store         *state.Store
	activity      ActivityStore
	metrics       *observability.Metrics
	logger        *zap.Logger
	dedupe        *dedupe
	activityLimit int
}

// NewProxy wires the proxy. activity and metrics may be nil.
func NewProxy(store *state.Store, activity ActivityStore, metrics *observability.Metrics, cfg *config.ProxyConfig, logger *zap.Logger) *Proxy {
	return &Proxy{
		store:         store,
		activity:      activity,
		metrics:       metrics,
		logger:        logger.Named("proxy"),
		dedupe:        newDedupe(cfg.DedupeWindow.Duration()),
		activityLimit: cfg.ActivityLimit,
	}
}

// AllTools returns the union of tools from every currently-connected server,
// each tagged with its origin. Servers that are configured but not connected
// contribute nothing, even if they were connected moments ago. A server whose
// listing fails is skipped rather than failing the whole catalog.
func (p *Proxy) AllTools(ctx context.Context) []Tool {
	connected := p.store.Connected()
	out := make([]Tool, 0, 16)
	for serverID, conn := range connected {
		serverCfg := p.store.GetServerConfig(serverID)
		serverName := serverID
		if serverCfg != nil {
			serverName = serverCfg.Name
		}
		tools, err := conn.ListTools(ctx)
		if err != nil {
			p.logger.Warn("Tool listing failed, skipping server",
				zap.String("server_id", serverID), zap.Error(err))
			continue
		}
		for _, tool := range tools {
			out = append(out, Tool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
				ServerID:    serverID,
				ServerName:  serverName,
			})
		}
	}
	return out
}

// Catalog builds the flat lookup table. Every tool is present under its
// namespaced "serverId:name" key; the bare name maps to the last-registered
// tool, with each shadowing logged and counted.
func (p *Proxy) Catalog(ctx context.Context) map[string]Tool {
	catalog := make(map[string]Tool)
	for _, tool := range p.AllTools(ctx) {
		catalog[tool.Key()] = tool
		if previous, collided := catalog[tool.Name]; collided && previous.ServerID != tool.ServerID {
			p.logger.Warn("Tool name collision, last registration wins",
				zap.String("tool", tool.Name),
				zap.String("shadowed_server", previous.ServerID),
				zap.String("winning_server", tool.ServerID))
			if p.metrics != nil {
				p.metrics.RecordToolCollision()
			}
		}
		catalog[tool.Name] = tool
	}
	return catalog
}

// CallServerTool executes a tool on the named server's live connection,
// wrapping the outcome in the uniform envelope. A server without a live
// client fails fast; a duplicate invocation inside the suppression window is
// answered with the primary call's outcome.
func (p *Proxy) CallServerTool(ctx context.Context, serverID, name string, args map[string]interface{}) *CallResult {
	conn := p.store.Client(serverID)
	if conn == nil {
		return &CallResult{Success: false, Error: NotConnectedError}
	}

	if err := p.validateArgs(serverID, name, args); err != nil {
		return &CallResult{Success: false, Error: fmt.Sprintf("invalid arguments: %v", err)}
	}

	key := callKey(serverID, name, args)
	entry, duplicate := p.dedupe.begin(key)
	if duplicate {
		if p.metrics != nil {
			p.metrics.RecordDedupeHit(serverID)
		}
		result, err := p.dedupe.wait(ctx, entry)
		if err != nil {
			return &CallResult{Success: false, Error: err.Error()}
		}
		shared := *result
		shared.Deduped = true
		p.record(serverID, name, args, 0, &shared)
		return &shared
	}

	started := time.Now()
	result := p.execute(ctx, conn, serverID, name, args)
	p.dedupe.complete(entry, result)

	elapsed := time.Since(started)
	if p.metrics != nil {
		p.metrics.RecordToolCall(serverID, result.Success, elapsed)
	}
	p.record(serverID, name, args, elapsed, result)
	return result
}

func (p *Proxy) execute(ctx context.Context, conn state.Conn, serverID, name string, args map[string]interface{}) *CallResult {
	callResult, err := conn.CallTool(ctx, name, args)
	if err != nil {
		var toolErr *core.ToolError
		if errors.As(err, &toolErr) {
			// The tool itself failed; the connection stays up and the model
			// gets a structured failure it can react to
			return &CallResult{Success: false, Error: toolErr.Message}
		}
		p.logger.Warn("Tool call failed",
			zap.String("server_id", serverID),
			zap.String("tool", name),
			zap.Error(err))
		return &CallResult{Success: false, Error: err.Error()}
	}
	var data interface{}
	if callResult != nil {
		data = callResult.Content
	}
	return &CallResult{Success: true, Data: data}
}

// validateArgs checks the arguments against the tool's cached input schema.
// Tools without a cached schema (or with one that does not compile) pass.
func (p *Proxy) validateArgs(serverID, name string, args map[string]interface{}) error {
	entry, ok := p.store.GetServerState(serverID)
	if !ok {
		return nil
	}
	for _, tool := range entry.Status.Tools {
		if tool.Name != name {
			continue
		}
		validator, err := CompileSchema(tool.InputSchema)
		if err != nil {
			p.logger.Debug("Falling back to permissive validation",
				zap.String("server_id", serverID),
				zap.String("tool", name),
				zap.Error(err))
		}
		return validator.Validate(args)
	}
	return nil
}

func (p *Proxy) record(serverID, name string, args map[string]interface{}, elapsed time.Duration, result *CallResult) {
	if p.activity == nil {
		return
	}
	serverName := serverID
	if serverCfg := p.store.GetServerConfig(serverID); serverCfg != nil {
		serverName = serverCfg.Name
	}
	record := &storage.ToolCallRecord{
		ServerID:   serverID,
		ServerName: serverName,
		Tool:       name,
		ArgsHash:   callKey(serverID, name, args)[:16],
		Duration:   elapsed,
		Success:    result.Success,
		Error:      result.Error,
		Deduped:    result.Deduped,
		StartedAt:  time.Now().Add(-elapsed),
	}
	if err := p.activity.AppendToolCall(record, p.activityLimit); err != nil {
		p.logger.Warn("Failed to record tool call", zap.Error(err))
	}
}
