// Package webmcp routes calls to tools injected by web pages. Unlike MCP
// servers, the bridge cannot dial a page: the UI context registers the page's
// tools, and each call travels back over the same boundary as a correlated
// request the page answers asynchronously.
package webmcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultCallTimeout bounds how long a page may take to answer a call. Pages
// can be closed or frozen at any moment, so an unanswered call must fail
// rather than leak a waiter.
const DefaultCallTimeout = 30 * time.Second

// Tool is one page-provided tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	PageID      string          `json:"page_id"`
}

// CallRequest is the correlated request sent back to the owning page.
type CallRequest struct {
	CorrelationID string                 `json:"correlation_id"`
	Tool          string                 `json:"tool"`
	Args          map[string]interface{} `json:"args,omitempty"`
}

// Result is the call outcome envelope, shaped like the MCP proxy's.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Sender delivers a CallRequest to a page's execution context. The UI
// boundary (websocket) provides it.
type Sender func(pageID string, req CallRequest) error

// Registry tracks page tools and in-flight calls.
type Registry struct {
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	pages   map[string]map[string]Tool
	pending map[string]chan *Result
	sender  Sender
}

// NewRegistry creates a registry. timeout <= 0 selects DefaultCallTimeout.
func NewRegistry(logger *zap.Logger, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Registry{
		logger:  logger.Named("webmcp"),
		timeout: timeout,
		pages:   make(map[string]map[string]Tool),
		pending: make(map[string]chan *Result),
	}
}

// SetSender installs the outbound path to pages. Must be called before Call.
func (r *Registry) SetSender(sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sender = sender
}

// RegisterPage replaces the tool set advertised by a page.
func (r *Registry) RegisterPage(pageID string, tools []Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[string]Tool, len(tools))
	for _, tool := range tools {
		tool.PageID = pageID
		set[tool.Name] = tool
	}
	r.pages[pageID] = set
	r.logger.Debug("Page tools registered",
		zap.String("page_id", pageID), zap.Int("tool_count", len(set)))
}

// UnregisterPage drops a page's tools (page closed or navigated away). Calls
// already in flight to that page fail on their timeout.
func (r *Registry) UnregisterPage(pageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pages, pageID)
}

// Tools lists every currently-registered page tool.
func (r *Registry) Tools() []Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Tool, 0, 8)
	for _, set := range r.pages {
		for _, tool := range set {
			out = append(out, tool)
		}
	}
	return out
}

// Call routes a tool invocation to the owning page and waits for the
// correlated answer.
func (r *Registry) Call(ctx context.Context, name string, args map[string]interface{}) *Result {
	r.mu.Lock()
	var owner string
	var found bool
	for pageID, set := range r.pages {
		if _, ok := set[name]; ok {
			owner, found = pageID, true
			break
		}
	}
	if !found {
		r.mu.Unlock()
		return &Result{Success: false, Error: fmt.Sprintf("no page provides tool %q", name)}
	}
	sender := r.sender
	if sender == nil {
		r.mu.Unlock()
		return &Result{Success: false, Error: "no page transport attached"}
	}

	correlationID := uuid.NewString()
	waiter := make(chan *Result, 1)
	r.pending[correlationID] = waiter
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, correlationID)
		r.mu.Unlock()
	}()

	req := CallRequest{CorrelationID: correlationID, Tool: name, Args: args}
	if err := sender(owner, req); err != nil {
		return &Result{Success: false, Error: fmt.Sprintf("failed to reach page: %v", err)}
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &Result{Success: false, Error: ctx.Err().Error()}
	case <-timer.C:
		return &Result{Success: false, Error: fmt.Sprintf("page did not answer within %s", r.timeout)}
	case result := <-waiter:
		return result
	}
}

// Resolve delivers a page's answer to the waiting call. Unknown correlation
// IDs (already timed out) are dropped.
func (r *Registry) Resolve(correlationID string, result *Result) {
	r.mu.Lock()
	waiter, ok := r.pending[correlationID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("Late page answer dropped", zap.String("correlation_id", correlationID))
		return
	}
	select {
	case waiter <- result:
	default:
	}
}
