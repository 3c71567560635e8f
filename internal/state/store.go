// Package state holds the process-wide server state store: one entry per
// configured MCP server tracking its enable flag, connection status, and the
// live client when connected. The store is an injectable object rather than a
// package-level singleton so each test can own an isolated instance.
package state

import (
	"context"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/sidepanel-ai/mcpbridge-go/internal/config"
	"github.com/sidepanel-ai/mcpbridge-go/internal/upstream/types"
)

// Conn is the slice of the upstream client the rest of the system needs once
// a server is connected. *core.Client satisfies it; tests substitute fakes.
type Conn interface {
	ListTools(ctx context.Context) ([]types.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	GetStatus() types.Status
	Disconnect() error
}

// ServerState is a snapshot of one server's runtime state. Client is non-nil
// exactly when Status.State is StateConnected.
type ServerState struct {
	Config  *config.ServerConfig
	Enabled bool
	Client  Conn
	Status  types.Status
}

// Event describes one server's state after a transition, pushed to
// subscribers (the UI boundary) in the order transitions happened.
type Event struct {
	ServerID string
	State    ServerState
}

// Store maps serverId to ServerState. All mutation goes through the setters,
// which keep the client/status invariant and notify subscribers.
type Store struct {
	mu      sync.RWMutex
	cfg     *config.Config
	logger  *zap.Logger
	entries map[string]*ServerState
	subs    map[int]chan Event
	nextSub int
}

// NewStore creates a store over the configured server list. Entries are
// created lazily on first access.
func NewStore(cfg *config.Config, logger *zap.Logger) *Store {
	return &Store{
		cfg:     cfg,
		logger:  logger.Named("state"),
		entries: make(map[string]*ServerState),
		subs:    make(map[int]chan Event),
	}
}

// GetServerConfig returns the static config for a server, or nil when the
// server is not in the configured list (distinct from "not yet connected").
func (s *Store) GetServerConfig(serverID string) *config.ServerConfig {
	return s.cfg.ServerByID(serverID)
}

// GetServerState returns a snapshot of the server's entry, creating a default
// disconnected entry on first access. The second result is false when the
// server is not configured at all.
func (s *Store) GetServerState(serverID string) (ServerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entryLocked(serverID)
	if entry == nil {
		return ServerState{}, false
	}
	return *entry, true
}

// Client returns the live connection for a server, or nil when the server is
// not connected.
func (s *Store) Client(serverID string) Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[serverID]
	if !ok {
		return nil
	}
	return entry.Client
}

// All returns a snapshot of every configured server's state, including
// servers never touched yet (reported as disconnected).
func (s *Store) All() map[string]ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ServerState, len(s.cfg.Servers))
	for _, server := range s.cfg.Servers {
		if entry := s.entryLocked(server.ID); entry != nil {
			out[server.ID] = *entry
		}
	}
	return out
}

// Connected returns the id and connection of every currently-connected server.
func (s *Store) Connected() map[string]Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Conn)
	for id, entry := range s.entries {
		if entry.Client != nil {
			out[id] = entry.Client
		}
	}
	return out
}

// SetEnabled records the user toggle. It does not touch the connection; the
// connection manager reacts to the toggle separately.
func (s *Store) SetEnabled(serverID string, enabled bool) {
	s.mutate(serverID, func(entry *ServerState) {
		entry.Enabled = enabled
	})
}

// SetConnecting marks a connection attempt in flight. Any stale client
// reference is dropped.
func (s *Store) SetConnecting(serverID string) {
	s.mutate(serverID, func(entry *ServerState) {
		entry.Client = nil
		entry.Status = types.Status{State: types.StateConnecting, Tools: entry.Status.Tools}
	})
}

// SetConnected stores the live client together with the connected status, as
// one atomic transition.
func (s *Store) SetConnected(serverID string, client Conn, tools []types.Tool) {
	s.mutate(serverID, func(entry *ServerState) {
		entry.Client = client
		entry.Status = types.Status{State: types.StateConnected, Tools: tools}
	})
}

// SetTools replaces the cached tool list without changing connection state.
func (s *Store) SetTools(serverID string, tools []types.Tool) {
	s.mutate(serverID, func(entry *ServerState) {
		entry.Status.Tools = tools
	})
}

// SetError records a failed connection. The client reference is cleared so
// the invariant holds while the manager schedules a retry.
func (s *Store) SetError(serverID string, errMsg string) {
	s.mutate(serverID, func(entry *ServerState) {
		entry.Client = nil
		entry.Status = types.Status{State: types.StateError, Err: errMsg}
	})
}

// SetDisconnected clears the client and returns the server to the idle state
// (explicit disable or token revoke).
func (s *Store) SetDisconnected(serverID string) {
	s.mutate(serverID, func(entry *ServerState) {
		entry.Client = nil
		entry.Status = types.Status{State: types.StateDisconnected}
	})
}

// Subscribe returns a channel receiving an Event after every state
// transition, and a cancel func that closes it. Slow subscribers drop events
// rather than blocking state transitions.
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, 64)
	s.subs[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (s *Store) mutate(serverID string, fn func(*ServerState)) {
	s.mu.Lock()
	entry := s.entryLocked(serverID)
	if entry == nil {
		s.mu.Unlock()
		s.logger.Warn("State update for unknown server", zap.String("server_id", serverID))
		return
	}
	fn(entry)
	snapshot := *entry
	subs := make([]chan Event, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	event := Event{ServerID: serverID, State: snapshot}
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			s.logger.Debug("Dropping state event for slow subscriber",
				zap.String("server_id", serverID))
		}
	}
}

// entryLocked returns the entry for a configured server, creating the default
// disconnected entry on first access. Caller holds s.mu.
func (s *Store) entryLocked(serverID string) *ServerState {
	if entry, ok := s.entries[serverID]; ok {
		return entry
	}
	serverCfg := s.cfg.ServerByID(serverID)
	if serverCfg == nil {
		return nil
	}
	entry := &ServerState{
		Config:  serverCfg,
		Enabled: serverCfg.Enabled,
		Status:  types.Status{State: types.StateDisconnected},
	}
	s.entries[serverID] = entry
	return entry
}
