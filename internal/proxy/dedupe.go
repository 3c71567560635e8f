package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// dedupe suppresses duplicate tool invocations: a call whose key matches an
// in-flight or recently-completed call within the window is answered with the
// original call's outcome instead of a second network round-trip. This guards
// against an LLM re-issuing the same call from a retried reasoning step.
type dedupe struct {
	mu      sync.Mutex
	window  time.Duration
	calls   map[string]*inflight
	nowFunc func() time.Time
}

type inflight struct {
	done        chan struct{}
	result      *CallResult
	completedAt time.Time // zero while the primary call is still running
}

func newDedupe(window time.Duration) *dedupe {
	return &dedupe{
		window:  window,
		calls:   make(map[string]*inflight),
		nowFunc: time.Now,
	}
}

// callKey derives the dedupe identity of an invocation. encoding/json sorts
// map keys, so logically equal argument maps hash identically.
func callKey(serverID, tool string, args map[string]interface{}) string {
	encoded, err := json.Marshal(args)
	if err != nil {
		encoded = []byte(time.Now().String()) // unhashable args never dedupe
	}
	h := sha256.New()
	h.Write([]byte(serverID))
	h.Write([]byte{0})
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil))
}

// begin registers an invocation. The second result is true when the call is a
// duplicate: the caller must wait on the returned entry instead of executing.
func (d *dedupe) begin(key string) (*inflight, bool) {
	if d.window <= 0 {
		return &inflight{done: make(chan struct{})}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFunc()
	for k, entry := range d.calls {
		if !entry.completedAt.IsZero() && now.Sub(entry.completedAt) > d.window {
			delete(d.calls, k)
		}
	}

	if entry, ok := d.calls[key]; ok {
		return entry, true
	}
	entry := &inflight{done: make(chan struct{})}
	d.calls[key] = entry
	return entry, false
}

// complete publishes the primary call's outcome to any duplicates waiting on
// it and starts the retention window.
func (d *dedupe) complete(entry *inflight, result *CallResult) {
	d.mu.Lock()
	entry.result = result
	entry.completedAt = d.nowFunc()
	d.mu.Unlock()
	close(entry.done)
}

// wait blocks until the primary call completes or the context ends.
func (d *dedupe) wait(ctx context.Context, entry *inflight) (*CallResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-entry.done:
		return entry.result, nil
	}
}
