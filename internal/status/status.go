// Package status assembles the AgentStatus wire payload published on an
// agent's status topic (spec.md §3, §4.3), so every publication -- the
// startup announcement, periodic heartbeats, Last-Will, and the
// explicit shutdown publish -- is built from one place instead of ad hoc
// struct literals scattered through the lifecycle manager.
package status

import (
	"sync"
	"time"

	"github.com/gridwire/agentmesh/internal/registry"
)

// Builder tracks the mutable parts of an agent's own status (load,
// lifecycle state) and renders them into the wire AgentStatus shape.
type Builder struct {
	mu           sync.Mutex
	agentID      string
	capabilities []string
	maxLoad      int
	currentLoad  int
	state        registry.Status
	nowFn        func() time.Time
}

// NewBuilder creates a status builder for agentID, starting in
// Available state with zero load.
func NewBuilder(agentID string, capabilities []string, maxLoad int) *Builder {
	if maxLoad <= 0 {
		maxLoad = 1
	}
	return &Builder{
		agentID:      agentID,
		capabilities: capabilities,
		maxLoad:      maxLoad,
		state:        registry.StatusAvailable,
		nowFn:        time.Now,
	}
}

// SetLoad updates the reported current load. The lifecycle manager's
// heartbeat sets it to the orchestrator's queue depth (messages queued
// but not yet dispatched), the same value that drives its backpressure
// signal (§4.10).
func (b *Builder) SetLoad(load int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentLoad = load
}

// SetState transitions the agent's published lifecycle state (e.g. to
// Busy when the orchestrator's queue exceeds its backpressure threshold,
// or to Draining while shutting down).
func (b *Builder) SetState(state registry.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
}

// Build renders the current state into the wire AgentStatus payload.
func (b *Builder) Build() registry.AgentStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return registry.AgentStatus{
		AgentID:      b.agentID,
		Status:       b.state,
		Capabilities: b.capabilities,
		CurrentLoad:  b.currentLoad,
		MaxLoad:      b.maxLoad,
		LastSeen:     b.nowFn(),
	}
}

// Offline renders the terminal Last-Will / graceful-shutdown payload,
// independent of whatever state was set before.
func (b *Builder) Offline() registry.AgentStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return registry.AgentStatus{
		AgentID:      b.agentID,
		Status:       registry.StatusOffline,
		Capabilities: b.capabilities,
		CurrentLoad:  0,
		MaxLoad:      b.maxLoad,
		LastSeen:     b.nowFn(),
	}
}
