package task

import (
	"context"
	"sync"

	"github.com/openqs/vms/telemetry"
)

// Gate is the supervisor-wide pause signal. While set, tasks proceed; while
// cleared, every task blocks at the top of its next iteration until the gate
// is set again or the task is stopped.
type Gate struct {
	mu  sync.Mutex
	ch  chan struct{} // closed while set
	set bool
}

// NewGate returns a gate in the set (running) state
func NewGate() *Gate {
	ch := make(chan struct{})
	close(ch)
	telemetry.PauseAsserted.Set(1)
	return &Gate{ch: ch, set: true}
}

// Set asserts the signal and releases every waiter. Idempotent.
func (g *Gate) Set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.set {
		return
	}
	close(g.ch)
	g.set = true
	telemetry.PauseAsserted.Set(1)
}

// Clear pauses every gated task. Idempotent.
func (g *Gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.set {
		return
	}
	g.ch = make(chan struct{})
	g.set = false
	telemetry.PauseAsserted.Set(0)
}

// IsSet reports whether work is currently allowed
func (g *Gate) IsSet() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.set
}

// Wait blocks until the gate is set or ctx is done
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
