package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state    ConnectionState
		expected string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateError, "error"},
		{ConnectionState(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestStateManager_Transitions(t *testing.T) {
	sm := NewStateManager()
	assert.Equal(t, StateDisconnected, sm.State())

	sm.SetConnecting()
	assert.Equal(t, StateConnecting, sm.State())

	tools := []Tool{{Name: "search"}}
	sm.SetConnected(tools)
	assert.Equal(t, StateConnected, sm.State())
	assert.Equal(t, tools, sm.Snapshot().Tools)
	assert.Empty(t, sm.Snapshot().Err)

	sm.SetError(errors.New("stream closed"))
	snap := sm.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, "stream closed", snap.Err)
	assert.Empty(t, snap.Tools, "tools cleared on error")

	sm.SetDisconnected()
	assert.Equal(t, StateDisconnected, sm.State())
}

func TestStateManager_ConnectedClearsError(t *testing.T) {
	sm := NewStateManager()
	sm.SetError(errors.New("dial tcp: connection refused"))
	sm.SetConnected(nil)

	snap := sm.Snapshot()
	assert.Equal(t, StateConnected, snap.State)
	assert.Empty(t, snap.Err)
}

func TestStateManager_Callback(t *testing.T) {
	sm := NewStateManager()

	var transitions [][2]ConnectionState
	sm.SetChangeCallback(func(old, new ConnectionState, _ Status) {
		transitions = append(transitions, [2]ConnectionState{old, new})
	})

	sm.SetConnecting()
	sm.SetConnected(nil)
	sm.SetConnected(nil) // no-op transition, callback must not fire
	sm.SetDisconnected()

	assert.Equal(t, [][2]ConnectionState{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnected, StateDisconnected},
	}, transitions)
}
