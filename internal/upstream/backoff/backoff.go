// Package backoff implements the reconnect delay schedule for upstream
// servers: exponential growth with a ceiling, reset on success.
package backoff

import (
	"math"
	"sync"
	"time"
)

// Policy computes the delay before the next reconnect attempt. One Policy is
// owned per server; it is safe for concurrent use.
type Policy struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64

	mu       sync.Mutex
	failures int
}

// New creates a policy. Non-positive or degenerate inputs fall back to sane
// values so a misconfigured server cannot produce a zero-delay retry loop.
func New(initial, maxDelay time.Duration, multiplier float64) *Policy {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	if multiplier <= 1 {
		multiplier = 2
	}
	return &Policy{initial: initial, max: maxDelay, multiplier: multiplier}
}

// Next records a failure and returns the delay to wait before the next
// attempt: min(initial * multiplier^(failures-1), max).
func (p *Policy) Next() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failures++
	return p.delayLocked()
}

// Peek returns the delay the next failure would produce, without recording one
func (p *Policy) Peek() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failures++
	d := p.delayLocked()
	p.failures--
	return d
}

func (p *Policy) delayLocked() time.Duration {
	exp := float64(p.failures - 1)
	// Bound the exponent so the float math cannot overflow
	if exp > 63 {
		exp = 63
	}
	delay := time.Duration(float64(p.initial) * math.Pow(p.multiplier, exp))
	if delay < 0 || delay > p.max {
		return p.max
	}
	return delay
}

// Failures returns the number of consecutive failures recorded
func (p *Policy) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Reset clears the failure counter after a successful connect
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
}
