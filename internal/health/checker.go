// Package health answers "is this server reachable and what tools does it
// offer right now". Each check runs over a disposable client so an existing
// live session and the reconnect bookkeeping are never disturbed.
package health

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sidepanel-ai/mcpbridge-go/internal/auth"
	"github.com/sidepanel-ai/mcpbridge-go/internal/config"
	"github.com/sidepanel-ai/mcpbridge-go/internal/transport"
	"github.com/sidepanel-ai/mcpbridge-go/internal/upstream/core"
	"github.com/sidepanel-ai/mcpbridge-go/internal/upstream/types"
)

// DefaultTimeout bounds a whole check (connect + initialize + list tools).
// Distinct from the reconnect backoff ceiling: a hung probe must fail, not
// wait out the backoff schedule.
const DefaultTimeout = 15 * time.Second

// FailureKind classifies why a check failed.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureConfig    FailureKind = "configuration"
	FailureAuth      FailureKind = "authentication"
	FailureTransport FailureKind = "transport"
	FailureNoTools   FailureKind = "no_tools"
)

// Result is the outcome of one health check.
type Result struct {
	ServerID  string        `json:"server_id"`
	Success   bool          `json:"success"`
	State     string        `json:"state"`
	Tools     []types.Tool  `json:"tools,omitempty"`
	ToolCount int           `json:"tool_count"`
	Failure   FailureKind   `json:"failure,omitempty"`
	Error     string        `json:"error,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// TokenSource resolves a usable bearer token for a server. *auth.Helper
// satisfies it.
type TokenSource interface {
	EnsureValidToken(ctx context.Context, serverID string, refreshFn auth.RefreshFunc) (string, error)
}

// Checker probes servers on demand.
type Checker struct {
	cfg     *config.Config
	tokens  TokenSource
	logger  *zap.Logger
	timeout time.Duration
}

// NewChecker creates a checker. timeout <= 0 selects DefaultTimeout.
func NewChecker(cfg *config.Config, tokens TokenSource, logger *zap.Logger, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{
		cfg:     cfg,
		tokens:  tokens,
		logger:  logger.Named("health"),
		timeout: timeout,
	}
}

// Check runs connect, initialize, and list tools against a throw-away client
// and unconditionally disconnects it, success or failure. The persistent
// connection for the server, if any, is untouched.
func (c *Checker) Check(ctx context.Context, serverID string) *Result {
	started := time.Now()
	result := &Result{ServerID: serverID}

	serverCfg := c.cfg.ServerByID(serverID)
	if serverCfg == nil {
		return c.fail(result, started, FailureConfig, fmt.Sprintf("server %q is not configured", serverID))
	}
	if serverCfg.URL == "" {
		return c.fail(result, started, FailureConfig, fmt.Sprintf("server %q has no URL", serverID))
	}

	var token string
	if serverCfg.RequiresAuth {
		var err error
		token, err = c.tokens.EnsureValidToken(ctx, serverID, nil)
		if err != nil {
			return c.fail(result, started, FailureAuth, fmt.Sprintf("token refresh failed: %v", err))
		}
		if token == "" {
			return c.fail(result, started, FailureAuth, "authorization required: no valid token stored")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	probe := core.NewClient(serverID, serverCfg, token, core.Events{}, c.logger, c.timeout)
	defer func() {
		if err := probe.Disconnect(); err != nil {
			c.logger.Debug("Probe disconnect failed",
				zap.String("server_id", serverID), zap.Error(err))
		}
	}()

	if err := probe.Connect(ctx); err != nil {
		kind := FailureTransport
		if transport.IsAuthError(err) {
			kind = FailureAuth
		}
		return c.fail(result, started, kind, err.Error())
	}
	if err := probe.Initialize(ctx); err != nil {
		return c.fail(result, started, FailureTransport, err.Error())
	}

	tools, err := probe.ListTools(ctx)
	if err != nil {
		return c.fail(result, started, FailureTransport, err.Error())
	}
	if len(tools) == 0 {
		// A server without tools is useless to the proxy
		return c.fail(result, started, FailureNoTools, "server advertises no tools")
	}

	result.Success = true
	result.State = types.StateConnected.String()
	result.Tools = tools
	result.ToolCount = len(tools)
	result.Elapsed = time.Since(started)
	c.logger.Debug("Health check passed",
		zap.String("server_id", serverID),
		zap.Int("tool_count", result.ToolCount),
		zap.Duration("elapsed", result.Elapsed))
	return result
}

func (c *Checker) fail(result *Result, started time.Time, kind FailureKind, msg string) *Result {
	result.Success = false
	result.Failure = kind
	result.Error = msg
	result.Elapsed = time.Since(started)
	c.logger.Debug("Health check failed",
		zap.String("server_id", result.ServerID),
		zap.String("failure", string(kind)),
		zap.String("error", msg))
	return result
}
