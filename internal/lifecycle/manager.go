// Package lifecycle implements the lifecycle manager (C11): the ordered
// startup and shutdown sequence from spec.md §4.11, grounded on the
// teacher's internal/infra.ComponentManager/BaseComponent idiom
// (ordered start with automatic rollback-on-failure, idempotent
// double-start/double-stop) adapted to this runtime's fixed five-step
// startup and four-step shutdown rather than carried as a generic,
// arbitrary-order component registry.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gridwire/agentmesh/internal/pipeline"
	"github.com/gridwire/agentmesh/internal/registry"
	"github.com/gridwire/agentmesh/internal/status"
	"github.com/gridwire/agentmesh/internal/toolregistry"
	"github.com/gridwire/agentmesh/internal/transport"
	"github.com/gridwire/agentmesh/pkg/llm"
	"github.com/gridwire/agentmesh/pkg/topic"
)

// DefaultHeartbeatInterval is the periodic status republish cadence
// absent configuration (spec.md §4.3).
const DefaultHeartbeatInterval = 15 * time.Second

// Closer is implemented optionally by the injected LLM provider and tool
// registry when they hold resources (connections, background
// goroutines) that need releasing at shutdown. Neither pkg/llm.Provider
// nor toolregistry.Registry declare Close in their core contracts --
// concrete providers are external collaborators, and the registry is
// read-mostly after startup -- so Manager only calls Close when the
// concrete value happens to satisfy this interface.
type Closer interface {
	Close() error
}

// Config bundles the already-constructed components the lifecycle
// manager connects, starts, and tears down in spec.md §4.11's order.
// Construction of each component (step 1, "construct components") is
// the caller's responsibility; Config only carries the finished values.
type Config struct {
	SelfID         string
	DynamicRouting bool

	Transport     transport.Transport
	Orchestrator  *pipeline.Orchestrator
	Registry      *registry.Registry // nil when DynamicRouting is false
	StatusBuilder *status.Builder

	LLM   llm.Provider
	Tools *toolregistry.Registry

	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// Manager runs the ordered startup/shutdown sequence from spec.md
// §4.11. Start and Stop are each idempotent no-ops after the first
// call.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	started atomic.Bool
	stopped atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Manager. It does not itself connect or start
// anything; call Start to run the ordered sequence.
func New(cfg Config) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: cfg.Logger}
}

// Start executes spec.md §4.11's ordered startup:
//  1. (components are already constructed by the caller)
//  2. connect the transport and subscribe to this agent's input topic,
//     plus the status wildcard if dynamic routing is enabled
//  3. initialize the LLM/tools (best-effort health check; a transiently
//     unreachable provider does not block startup, since failures
//     surface per-task via the work loop, not at boot)
//  4. publish the initial Available status
//  5. start the pipeline orchestrator
//
// If any step fails, components already brought up are rolled back
// before the error is returned. Double-start is a no-op returning nil.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	if err := m.cfg.Transport.Connect(ctx); err != nil {
		m.started.Store(false)
		return fmt.Errorf("lifecycle: connect transport: %w", err)
	}
	if err := m.cfg.Transport.Subscribe(topic.InputTopic(m.cfg.SelfID), 1); err != nil {
		_ = m.cfg.Transport.Disconnect(ctx)
		m.started.Store(false)
		return fmt.Errorf("lifecycle: subscribe input topic: %w", err)
	}
	if m.cfg.DynamicRouting {
		if err := m.cfg.Transport.Subscribe(topic.StatusWildcard(), 1); err != nil {
			_ = m.cfg.Transport.Disconnect(ctx)
			m.started.Store(false)
			return fmt.Errorf("lifecycle: subscribe status wildcard: %w", err)
		}
	}

	if m.cfg.LLM != nil {
		if err := m.cfg.LLM.HealthCheck(ctx); err != nil {
			m.logger.Warn("llm provider unreachable at startup, continuing", "provider", m.cfg.LLM.Name(), "error", err)
		}
	}

	if err := m.publishStatus(ctx, m.cfg.StatusBuilder.Build()); err != nil {
		_ = m.cfg.Transport.Disconnect(ctx)
		m.started.Store(false)
		return fmt.Errorf("lifecycle: publish initial status: %w", err)
	}

	m.cfg.Orchestrator.Start()

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(2)
	go m.dispatchLoop(runCtx)
	go m.heartbeatLoop(runCtx)

	m.logger.Info("lifecycle started", "agent_id", m.cfg.SelfID, "dynamic_routing", m.cfg.DynamicRouting)
	return nil
}

// Stop executes spec.md §4.11's reverse shutdown sequence: stop the
// orchestrator (drain), publish Offline with retain=true, close the
// transport, then release LLM/tool resources. Double-stop and
// stop-without-start are no-ops returning nil.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if !m.started.Load() {
		return nil
	}

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	if err := m.cfg.Orchestrator.Stop(ctx); err != nil {
		m.logger.Warn("orchestrator drain error", "error", err)
	}

	if err := m.publishStatus(ctx, m.cfg.StatusBuilder.Offline()); err != nil {
		m.logger.Warn("publish offline status failed", "error", err)
	}

	if err := m.cfg.Transport.Disconnect(ctx); err != nil {
		m.logger.Warn("transport disconnect error", "error", err)
	}

	closeIfCloser(m.cfg.LLM, m.logger, "llm")
	closeIfCloser(m.cfg.Tools, m.logger, "tools")
	if m.cfg.Registry != nil {
		m.cfg.Registry.Stop()
	}

	m.logger.Info("lifecycle stopped", "agent_id", m.cfg.SelfID)
	return nil
}

// dispatchLoop feeds the transport's inbound channel into either the
// agent registry (status-wildcard messages, when dynamic routing is
// enabled) or the pipeline orchestrator (everything else, i.e. this
// agent's own input topic).
func (m *Manager) dispatchLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.cfg.Transport.Incoming():
			if !ok {
				return
			}
			if m.cfg.DynamicRouting && topic.Matches(topic.StatusWildcard(), msg.Topic) {
				m.recordStatus(msg)
				continue
			}
			m.cfg.Orchestrator.Submit(uuid.NewString(), msg)
		}
	}
}

func (m *Manager) recordStatus(msg transport.InboundMessage) {
	if msg.Retained {
		// A replayed-retained-statuses storm on reconnect is still
		// recorded, not rate-limited (see SPEC_FULL.md open-question
		// decision): the registry's own TTL sweep already bounds how
		// long a stale entry can linger.
	}
	var st registry.AgentStatus
	if err := json.Unmarshal(msg.Payload, &st); err != nil {
		m.logger.Warn("discarding malformed status message", "topic", msg.Topic, "error", err)
		return
	}
	if m.cfg.Registry != nil {
		m.cfg.Registry.Record(st)
	}
}

// heartbeatLoop republishes this agent's own status on a fixed cadence,
// retained, reflecting the orchestrator's current backpressure state.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.cfg.Orchestrator.Busy() {
				m.cfg.StatusBuilder.SetState(registry.StatusBusy)
			} else {
				m.cfg.StatusBuilder.SetState(registry.StatusAvailable)
			}
			m.cfg.StatusBuilder.SetLoad(m.cfg.Orchestrator.QueueDepth())

			if err := m.publishStatus(ctx, m.cfg.StatusBuilder.Build()); err != nil {
				m.logger.Warn("heartbeat publish failed", "error", err)
			}
		}
	}
}

func (m *Manager) publishStatus(ctx context.Context, st registry.AgentStatus) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("lifecycle: marshal status: %w", err)
	}
	return m.cfg.Transport.Publish(ctx, topic.StatusTopic(m.cfg.SelfID), body, 1, true)
}

func closeIfCloser(v any, logger *slog.Logger, name string) {
	if v == nil {
		return
	}
	if c, ok := v.(Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn("error closing component", "component", name, "error", err)
		}
	}
}
