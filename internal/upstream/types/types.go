package types

import (
	"encoding/json"
	"sync"
)

// ConnectionState represents the state of an upstream connection
type ConnectionState int

const (
	// StateDisconnected indicates the upstream is not connected
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates a connect attempt is in flight
	StateConnecting
	// StateConnected indicates the upstream completed initialize and tool
	// discovery and is ready for requests
	StateConnected
	// StateError indicates the upstream encountered a failure
	StateError
)

// String returns the string representation of the connection state
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Tool describes a tool advertised by an upstream server
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Status is a point-in-time snapshot of a connection. Err carries the last
// failure message so the snapshot serializes directly for UI consumers.
type Status struct {
	State ConnectionState `json:"state"`
	Tools []Tool          `json:"tools,omitempty"`
	Err   string          `json:"error,omitempty"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// StateManager tracks the connection state for one upstream server and
// notifies an optional callback on every transition. Callbacks fire outside
// the lock and may arrive at arbitrary times relative to the owner's calls.
type StateManager struct {
	mu        sync.RWMutex
	state     ConnectionState
	tools     []Tool
	lastError error

	onChange func(old, new ConnectionState, status Status)
}

// NewStateManager creates a state manager starting in the disconnected state
func NewStateManager() *StateManager {
	return &StateManager{state: StateDisconnected}
}

// SetChangeCallback sets a callback invoked on every state transition
func (sm *StateManager) SetChangeCallback(callback func(old, new ConnectionState, status Status)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onChange = callback
}

// State returns the current connection state
func (sm *StateManager) State() ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Snapshot returns the current status without blocking on I/O
func (sm *StateManager) Snapshot() Status {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return Status{State: sm.state, Tools: sm.tools, Err: errString(sm.lastError)}
}

// SetConnecting marks a connect attempt as in flight
func (sm *StateManager) SetConnecting() {
	sm.transition(StateConnecting, nil, nil)
}

// SetConnected marks the connection ready and records the discovered tools.
// The last error is cleared.
func (sm *StateManager) SetConnected(tools []Tool) {
	sm.transition(StateConnected, tools, nil)
}

// SetError records a failure
func (sm *StateManager) SetError(err error) {
	sm.transition(StateError, nil, err)
}

// SetDisconnected marks the connection closed
func (sm *StateManager) SetDisconnected() {
	sm.transition(StateDisconnected, nil, nil)
}

// SetTools replaces the tool snapshot without changing state
func (sm *StateManager) SetTools(tools []Tool) {
	sm.mu.Lock()
	sm.tools = tools
	sm.mu.Unlock()
}

func (sm *StateManager) transition(newState ConnectionState, tools []Tool, err error) {
	sm.mu.Lock()
	oldState := sm.state
	sm.state = newState
	switch newState {
	case StateConnected:
		sm.tools = tools
		sm.lastError = nil
	case StateError:
		sm.lastError = err
		sm.tools = nil
	case StateDisconnected, StateConnecting:
		sm.tools = nil
	}
	status := Status{State: sm.state, Tools: sm.tools, Err: errString(sm.lastError)}
	callback := sm.onChange
	sm.mu.Unlock()

	// Invoke outside the lock to avoid deadlocks with reentrant callers
	if callback != nil && oldState != newState {
		callback(oldState, newState, status)
	}
}
