// Package upstream owns the long-lived connections to MCP servers. The
// manager runs one supervisor goroutine per enabled server, keeping the state
// store current and driving reconnection with exponential backoff. Auth
// failures park the supervisor instead of spin-retrying; a transport failure
// schedules the next attempt on the backoff curve.
package upstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/sidepanel-ai/mcpbridge-go/internal/auth"
	"github.com/sidepanel-ai/mcpbridge-go/internal/config"
	"github.com/sidepanel-ai/mcpbridge-go/internal/observability"
	"github.com/sidepanel-ai/mcpbridge-go/internal/state"
	"github.com/sidepanel-ai/mcpbridge-go/internal/transport"
	"github.com/sidepanel-ai/mcpbridge-go/internal/upstream/backoff"
	"github.com/sidepanel-ai/mcpbridge-go/internal/upstream/core"
	"github.com/sidepanel-ai/mcpbridge-go/internal/upstream/types"
)

const defaultConnectTimeout = 30 * time.Second

// TokenSource resolves a usable bearer token for a server. *auth.Helper
// satisfies it.
type TokenSource interface {
	EnsureValidToken(ctx context.Context, serverID string, refreshFn auth.RefreshFunc) (string, error)
}

// SettingsStore persists the per-server enabled flag. *storage.BoltDB
// satisfies it.
type SettingsStore interface {
	GetServerEnabled(prefix string) (enabled bool, found bool, err error)
	SetServerEnabled(prefix, serverID string, enabled bool) error
}

// Manager supervises one connection per enabled server.
type Manager struct {
	cfg      *config.Config
	store    *state.Store
	tokens   TokenSource
	settings SettingsStore
	metrics  *observability.Metrics
	logger   *zap.Logger

	connectTimeout time.Duration

	mu          sync.Mutex
	supervisors map[string]*supervisor
	baseCtx     context.Context
	baseCancel  context.CancelFunc
	started     bool
	wg          sync.WaitGroup
}

// NewManager wires the manager. metrics may be nil (tests).
func NewManager(cfg *config.Config, store *state.Store, tokens TokenSource, settings SettingsStore, metrics *observability.Metrics, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:            cfg,
		store:          store,
		tokens:         tokens,
		settings:       settings,
		metrics:        metrics,
		logger:         logger.Named("upstream"),
		connectTimeout: defaultConnectTimeout,
		supervisors:    make(map[string]*supervisor),
	}
}

// Start reads the persisted enabled flags and launches a supervisor for every
// enabled server. Servers without a persisted flag fall back to the config
// default.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("manager already started")
	}
	m.started = true
	m.baseCtx, m.baseCancel = context.WithCancel(ctx)
	m.mu.Unlock()

	for _, server := range m.cfg.Servers {
		enabled := server.Enabled
		if persisted, found, err := m.settings.GetServerEnabled(server.KeyPrefix()); err != nil {
			m.logger.Warn("Failed to read persisted enable flag",
				zap.String("server_id", server.ID), zap.Error(err))
		} else if found {
			enabled = persisted
		}
		m.store.SetEnabled(server.ID, enabled)
		if enabled {
			m.startSupervisor(server)
		}
	}
	return nil
}

// Stop cancels every supervisor and waits for them to disconnect.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.baseCancel != nil {
		m.baseCancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// EnableServer persists the toggle and starts the server's supervisor.
func (m *Manager) EnableServer(serverID string) error {
	server := m.cfg.ServerByID(serverID)
	if server == nil {
		return fmt.Errorf("unknown server %q", serverID)
	}
	if err := m.settings.SetServerEnabled(server.KeyPrefix(), serverID, true); err != nil {
		return fmt.Errorf("failed to persist enable flag for %q: %w", serverID, err)
	}
	m.store.SetEnabled(serverID, true)
	m.startSupervisor(server)
	return nil
}

// DisableServer persists the toggle, cancels any pending reconnect, and
// disconnects the live client. Stored tokens are left intact: disabling is
// not de-authorizing.
func (m *Manager) DisableServer(serverID string) error {
	server := m.cfg.ServerByID(serverID)
	if server == nil {
		return fmt.Errorf("unknown server %q", serverID)
	}
	if err := m.settings.SetServerEnabled(server.KeyPrefix(), serverID, false); err != nil {
		return fmt.Errorf("failed to persist enable flag for %q: %w", serverID, err)
	}
	m.store.SetEnabled(serverID, false)
	m.stopSupervisor(serverID)
	m.store.SetDisconnected(serverID)
	return nil
}

// TriggerReconnect wakes a parked supervisor (after the user completes an
// interactive authorization) or restarts a stopped one for an enabled server.
func (m *Manager) TriggerReconnect(serverID string) error {
	server := m.cfg.ServerByID(serverID)
	if server == nil {
		return fmt.Errorf("unknown server %q", serverID)
	}
	m.mu.Lock()
	sup, running := m.supervisors[serverID]
	m.mu.Unlock()
	if running {
		sup.kick()
		return nil
	}
	entry, _ := m.store.GetServerState(serverID)
	if !entry.Enabled {
		return fmt.Errorf("server %q is disabled", serverID)
	}
	m.startSupervisor(server)
	return nil
}

func (m *Manager) startSupervisor(server *config.ServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseCtx == nil {
		m.baseCtx, m.baseCancel = context.WithCancel(context.Background())
	}
	if _, running := m.supervisors[server.ID]; running {
		return
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	sup := &supervisor{
		manager: m,
		id:      server.ID,
		cfg:     server,
		cancel:  cancel,
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
		lost:    make(chan struct{}, 1),
		logger:  m.logger.With(zap.String("server_id", server.ID)),
	}
	m.supervisors[server.ID] = sup
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sup.run(ctx)
		m.mu.Lock()
		if m.supervisors[server.ID] == sup {
			delete(m.supervisors, server.ID)
		}
		m.mu.Unlock()
	}()
}

func (m *Manager) stopSupervisor(serverID string) {
	m.mu.Lock()
	sup, ok := m.supervisors[serverID]
	m.mu.Unlock()
	if !ok {
		return
	}
	sup.cancel()
	<-sup.done
}

// supervisor drives the connect/monitor/retry loop for one server. At most
// one connect attempt is in flight at any time.
type supervisor struct {
	manager *Manager
	id      string
	cfg     *config.ServerConfig
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{} // parked-on-auth wakeup
	lost    chan struct{} // transport read loop reported a drop
	logger  *zap.Logger

	// Written by the supervisor goroutine, read by notification callbacks
	// firing from the transport read loop.
	client atomic.Pointer[core.Client]
}

func (s *supervisor) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.teardown()

	policy := backoff.New(
		s.manager.cfg.Backoff.InitialDelay.Duration(),
		s.manager.cfg.Backoff.MaxDelay.Duration(),
		s.manager.cfg.Backoff.Multiplier,
	)

	for {
		if ctx.Err() != nil {
			return
		}

		err := s.connectOnce(ctx)
		if err == nil {
			policy.Reset()
			if !s.monitor(ctx) {
				return
			}
			// Connection dropped; fall through to reconnect
			continue
		}
		if ctx.Err() != nil {
			return
		}

		if transport.IsAuthError(err) || err == errNoToken {
			// Park: retrying cannot succeed until the user re-authorizes
			s.logger.Warn("Connection requires authorization, waiting", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				policy.Reset()
			}
			continue
		}

		delay := policy.Next()
		s.logger.Info("Reconnect scheduled",
			zap.Duration("delay", delay),
			zap.Int("consecutive_failures", policy.Failures()),
			zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
			policy.Reset()
		case <-timer.C:
		}
	}
}

var errNoToken = fmt.Errorf("authorization required: no valid token stored")

// connectOnce performs token resolution, connect, initialize, and the first
// tool listing, then publishes the connected client to the state store.
func (s *supervisor) connectOnce(ctx context.Context) error {
	started := time.Now()
	// Drop any stale loss signal from a previous client's failure
	select {
	case <-s.lost:
	default:
	}
	s.manager.store.SetConnecting(s.id)
	s.publishState(types.StateConnecting)

	var token string
	if s.cfg.RequiresAuth {
		var err error
		token, err = s.manager.tokens.EnsureValidToken(ctx, s.id, nil)
		if err != nil {
			s.fail(started, fmt.Errorf("token refresh failed: %w", err))
			return err
		}
		if token == "" {
			s.fail(started, errNoToken)
			return errNoToken
		}
	}

	events := core.Events{
		OnStatusChange: func(status types.Status) {
			if status.State == types.StateError {
				select {
				case s.lost <- struct{}{}:
				default:
				}
			}
		},
		OnMessage: s.onNotification,
	}
	client := core.NewClient(s.id, s.cfg, token, events, s.logger, s.manager.cfg.CallToolTimeout.Duration())

	connectCtx, cancel := context.WithTimeout(ctx, s.manager.connectTimeout)
	defer cancel()

	if err := client.Connect(connectCtx); err != nil {
		s.fail(started, err)
		return err
	}
	if err := client.Initialize(connectCtx); err != nil {
		_ = client.Disconnect()
		s.fail(started, err)
		return err
	}
	tools, err := client.ListTools(connectCtx)
	if err != nil {
		_ = client.Disconnect()
		s.fail(started, err)
		return err
	}

	s.client.Store(client)
	s.manager.store.SetConnected(s.id, client, tools)
	s.publishState(types.StateConnected)
	if s.manager.metrics != nil {
		s.manager.metrics.RecordConnectAttempt(s.id, nil, time.Since(started))
	}
	s.logger.Info("Connected",
		zap.String("transport", client.TransportKind()),
		zap.Int("tool_count", len(tools)),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

// monitor blocks while the connection is healthy. Returns false when the
// supervisor should exit, true when it should reconnect.
func (s *supervisor) monitor(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.lost:
		s.logger.Warn("Connection lost")
		s.teardown()
		s.manager.store.SetError(s.id, "connection lost")
		s.publishState(types.StateError)
		return true
	}
}

// onNotification fires from the transport read loop. A tools/list_changed
// notification refreshes the cached catalog.
func (s *supervisor) onNotification(notification mcp.JSONRPCNotification) {
	if notification.Method != "notifications/tools/list_changed" {
		return
	}
	client := s.client.Load()
	if client == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.manager.connectTimeout)
		defer cancel()
		tools, err := client.ListTools(ctx)
		if err != nil {
			s.logger.Warn("Tool list refresh failed", zap.Error(err))
			return
		}
		s.manager.store.SetTools(s.id, tools)
		s.logger.Info("Tool list refreshed", zap.Int("tool_count", len(tools)))
	}()
}

func (s *supervisor) fail(started time.Time, err error) {
	s.manager.store.SetError(s.id, err.Error())
	s.publishState(types.StateError)
	if s.manager.metrics != nil {
		s.manager.metrics.RecordConnectAttempt(s.id, err, time.Since(started))
	}
}

func (s *supervisor) teardown() {
	client := s.client.Swap(nil)
	if client == nil {
		return
	}
	if err := client.Disconnect(); err != nil {
		s.logger.Debug("Disconnect failed", zap.Error(err))
	}
	// Drain a drop signal raised by our own teardown
	select {
	case <-s.lost:
	default:
	}
}

func (s *supervisor) publishState(st types.ConnectionState) {
	if s.manager.metrics != nil {
		s.manager.metrics.SetServerState(s.id, st.String())
	}
}
