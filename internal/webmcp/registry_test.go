package webmcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistry_RegisterAndList(t *testing.T) {
	r := NewRegistry(zap.NewNop(), time.Second)
	r.RegisterPage("page-1", []Tool{{Name: "highlight"}, {Name: "scroll"}})
	r.RegisterPage("page-2", []Tool{{Name: "extract"}})

	tools := r.Tools()
	assert.Len(t, tools, 3)

	// Re-registering replaces, unregistering removes
	r.RegisterPage("page-1", []Tool{{Name: "highlight"}})
	assert.Len(t, r.Tools(), 2)
	r.UnregisterPage("page-2")
	assert.Len(t, r.Tools(), 1)
	assert.Equal(t, "page-1", r.Tools()[0].PageID)
}

func TestRegistry_CallRoundTrip(t *testing.T) {
	r := NewRegistry(zap.NewNop(), time.Second)
	r.RegisterPage("page-1", []Tool{{Name: "highlight"}})

	r.SetSender(func(pageID string, req CallRequest) error {
		assert.Equal(t, "page-1", pageID)
		assert.Equal(t, "highlight", req.Tool)
		require.NotEmpty(t, req.CorrelationID)
		// The page answers asynchronously
		go r.Resolve(req.CorrelationID, &Result{Success: true, Data: json.RawMessage(`{"count":3}`)})
		return nil
	})

	result := r.Call(context.Background(), "highlight", map[string]interface{}{"selector": "h1"})
	require.True(t, result.Success, "error: %s", result.Error)
	assert.JSONEq(t, `{"count":3}`, string(result.Data))
}

func TestRegistry_CallUnknownTool(t *testing.T) {
	r := NewRegistry(zap.NewNop(), time.Second)
	result := r.Call(context.Background(), "ghost", nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no page provides")
}

func TestRegistry_CallTimesOut(t *testing.T) {
	r := NewRegistry(zap.NewNop(), 50*time.Millisecond)
	r.RegisterPage("page-1", []Tool{{Name: "highlight"}})
	r.SetSender(func(string, CallRequest) error { return nil }) // page never answers

	result := r.Call(context.Background(), "highlight", nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "did not answer")
}

func TestRegistry_LateResolveIsDropped(t *testing.T) {
	r := NewRegistry(zap.NewNop(), 20*time.Millisecond)
	r.RegisterPage("page-1", []Tool{{Name: "highlight"}})

	var correlationID string
	r.SetSender(func(_ string, req CallRequest) error {
		correlationID = req.CorrelationID
		return nil
	})

	result := r.Call(context.Background(), "highlight", nil)
	assert.False(t, result.Success)

	// Answer after the waiter is gone: must not panic or block
	r.Resolve(correlationID, &Result{Success: true})
}
