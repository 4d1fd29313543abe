// Package gate implements named synchronization barriers for race-condition
// attacks. Every gated request is announced when it is queued; a connection
// worker arrives at the gate once it has written everything but the final
// byte, then blocks until the gate is opened. Opening a gate waits for all
// announced requests to arrive so that the final bytes leave together.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vk/racegate/internal/ctxlog"
)

// ErrUnknownGate is returned when opening a gate no request was queued for.
var ErrUnknownGate = errors.New("unknown gate")

type gate struct {
	name     string
	expected int
	arrived  int
	ready    chan struct{} // closed once arrived reaches expected
	release  chan struct{} // closed when the gate opens
	opened   bool
}

// Registry holds the gates of one engine.
type Registry struct {
	mu    sync.Mutex
	gates map[string]*gate
}

// NewRegistry creates an empty gate registry.
func NewRegistry() *Registry {
	return &Registry{gates: make(map[string]*gate)}
}

func (r *Registry) get(name string) *gate {
	g, ok := r.gates[name]
	if !ok {
		g = &gate{
			name:    name,
			ready:   make(chan struct{}),
			release: make(chan struct{}),
		}
		r.gates[name] = g
	}
	return g
}

// Expect announces one more request that will arrive at the named gate.
func (r *Registry) Expect(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.get(name)
	if g.opened {
		return
	}
	g.expected++
	select {
	case <-g.ready:
		g.ready = make(chan struct{})
	default:
	}
}

// Arrive records n requests waiting at the named gate and returns a channel
// that is closed when they may send their final byte. Arriving at an opened
// gate returns an already closed channel.
func (r *Registry) Arrive(name string, n int) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.get(name)
	if g.opened {
		return g.release
	}
	g.arrived += n
	if g.arrived >= g.expected {
		closeOnce(g.ready)
	}
	return g.release
}

// Open waits until every expected request has arrived at the named gate and
// then releases them. If ctx ends first the gate opens anyway with whatever
// has arrived. Opening an already opened gate is a no-op.
func (r *Registry) Open(ctx context.Context, name string) error {
	logger := ctxlog.FromContext(ctx).With("gate", name)

	r.mu.Lock()
	g, ok := r.gates[name]
	if !ok || g.expected == 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownGate, name)
	}
	if g.opened {
		r.mu.Unlock()
		logger.Debug("Gate already open.")
		return nil
	}
	defer r.mu.Unlock()

	logger.Debug("Waiting for requests to reach gate.")
	for g.arrived < g.expected && ctx.Err() == nil {
		ready := g.ready
		r.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
		}
		r.mu.Lock()
	}
	if g.opened {
		return nil
	}
	if g.arrived < g.expected {
		logger.Warn("Opening gate before all requests arrived.", "arrived", g.arrived, "expected", g.expected)
	}
	g.opened = true
	close(g.release)
	logger.Info("🚪 Gate opened", "requests", g.arrived)
	return nil
}

// Status describes a gate for reporting.
type Status struct {
	Name     string `json:"name"`
	Expected int    `json:"expected"`
	Arrived  int    `json:"arrived"`
	Open     bool   `json:"open"`
}

// Snapshot returns the state of all gates sorted by name.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.gates))
	for _, g := range r.gates {
		out = append(out, Status{Name: g.name, Expected: g.expected, Arrived: g.arrived, Open: g.opened})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OpenAll releases every gate immediately. It is used when an attack is torn
// down so that no worker stays blocked.
func (r *Registry) OpenAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.gates {
		if !g.opened {
			g.opened = true
			close(g.release)
		}
	}
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
