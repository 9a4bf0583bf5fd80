// Package pool bounds concurrent outbound calls per provider: the
// Executor dials one ProviderGate per ProviderID and runs every upstream
// call through Do, so a provider's connection budget is enforced at the
// point the call is made rather than by an unbounded goroutine-per-request
// fan-out.
package pool

import (
	"context"
	"sync/atomic"
)

// ProviderGate admits at most a fixed number of in-flight calls against
// one provider. Unlike a worker pool, the call runs on the requesting
// goroutine: the gate only admits, so the caller's context deadline keeps
// governing its own call, and abandoning the wait costs nothing.
type ProviderGate struct {
	provider string
	slots    chan struct{}

	inFlight atomic.Int64
	waiting  atomic.Int64
}

// NewProviderGate builds a gate for one provider admitting at most
// maxInFlight concurrent calls. maxInFlight <= 0 leaves the gate
// unbounded.
func NewProviderGate(provider string, maxInFlight int) *ProviderGate {
	g := &ProviderGate{provider: provider}
	if maxInFlight > 0 {
		g.slots = make(chan struct{}, maxInFlight)
	}
	return g
}

// Do runs call once a slot is free, holding the slot for the call's full
// duration. A context cancelled while waiting returns ctx.Err() without
// the call ever starting.
func (g *ProviderGate) Do(ctx context.Context, call func(context.Context) error) error {
	if g.slots != nil {
		g.waiting.Add(1)
		select {
		case g.slots <- struct{}{}:
			g.waiting.Add(-1)
			defer func() { <-g.slots }()
		case <-ctx.Done():
			g.waiting.Add(-1)
			return ctx.Err()
		}
	}

	g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	return call(ctx)
}

// GateStats is a point-in-time view of one provider's gate.
type GateStats struct {
	Provider string `json:"provider"`
	InFlight int64  `json:"in_flight"`
	Waiting  int64  `json:"waiting"`
	Capacity int    `json:"capacity"` // 0 = unbounded
}

// Stats returns the gate's current occupancy, attributed to its provider.
func (g *ProviderGate) Stats() GateStats {
	return GateStats{
		Provider: g.provider,
		InFlight: g.inFlight.Load(),
		Waiting:  g.waiting.Load(),
		Capacity: cap(g.slots),
	}
}
