// Package runtime assembles one agent process: every core component
// (C1-C12) wired from a config.Config and the external collaborators
// spec.md §1 scopes out of the core (a concrete LLM provider adapter and
// the concrete tools an agent exposes), handed to the lifecycle manager.
//
// This is the construction seam the "construct components" step of
// spec.md §4.11 refers to; it is not a CLI (reading flags/env/files is
// an explicit Non-goal) -- callers still build a config.Config and Deps
// themselves and pass them in as plain Go values.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/gridwire/agentmesh/internal/config"
	"github.com/gridwire/agentmesh/internal/idempotency"
	"github.com/gridwire/agentmesh/internal/lifecycle"
	"github.com/gridwire/agentmesh/internal/pipeline"
	"github.com/gridwire/agentmesh/internal/processor"
	"github.com/gridwire/agentmesh/internal/registry"
	"github.com/gridwire/agentmesh/internal/routing"
	"github.com/gridwire/agentmesh/internal/status"
	"github.com/gridwire/agentmesh/internal/toolregistry"
	"github.com/gridwire/agentmesh/internal/transport"
	"github.com/gridwire/agentmesh/pkg/envelope"
	"github.com/gridwire/agentmesh/pkg/llm"
	"github.com/gridwire/agentmesh/pkg/tool"
	"github.com/gridwire/agentmesh/pkg/topic"
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Deps carries the external collaborators this agent is built around: a
// concrete LLM provider adapter and the concrete tools it exposes.
// Neither is implemented here -- spec.md §1 scopes both out of the core
// -- so Deps only carries the narrow interfaces the core calls through.
type Deps struct {
	LLM   llm.Provider
	Tools []tool.Tool

	// RoutingStrategy overrides the v2 router's decision strategy when
	// dynamic routing is enabled. Nil selects routing.RuleEngineStrategy{};
	// pass routing.LLMStrategy{Provider: ...} to route via the LLM instead.
	RoutingStrategy routing.Strategy

	Logger *slog.Logger
}

// Agent is one fully wired agent process: the assembled components plus
// the lifecycle manager that connects, starts, and tears them down.
type Agent struct {
	cfg     config.Config
	manager *lifecycle.Manager

	// Registry is exposed for callers that want to inspect peer state
	// directly (e.g. a health endpoint); it is nil unless dynamic
	// routing is enabled.
	Registry *registry.Registry
}

// New validates cfg and wires every component together: the MQTT
// transport (with its Last-Will pre-set to this agent's own Offline
// status), the idempotency cache, the tool registry, the agent registry
// and v2 router (only when routing is dynamic), and the nine-step
// processor feeding the pipeline orchestrator.
func New(cfg config.Config, deps Deps) (*Agent, error) {
	if !agentIDPattern.MatchString(cfg.Agent.ID) {
		return nil, fmt.Errorf("runtime: agent.id %q does not match [A-Za-z0-9._-]+", cfg.Agent.ID)
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("runtime: deps.LLM is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxLoad := cfg.Pipeline.QueueThreshold
	if maxLoad <= 0 {
		maxLoad = pipeline.DefaultQueueThreshold
	}
	statusBuilder := status.NewBuilder(cfg.Agent.ID, cfg.Agent.Capabilities, maxLoad)

	willPayload, err := json.Marshal(statusBuilder.Offline())
	if err != nil {
		return nil, fmt.Errorf("runtime: marshal last-will payload: %w", err)
	}

	tr := transport.New(
		cfg.Agent.ID, cfg.MQTT.BrokerURL, cfg.MQTT.KeepAlive,
		topic.StatusTopic(cfg.Agent.ID), willPayload,
		transport.WithLogger(logger),
	)

	tools := toolregistry.New()
	for _, t := range deps.Tools {
		if err := tools.Register(t); err != nil {
			return nil, fmt.Errorf("runtime: register tool: %w", err)
		}
	}

	idem := idempotency.New(cfg.Idempotency.Capacity, time.Duration(cfg.Idempotency.TTLSecs)*time.Second)

	dynamic := cfg.Routing.Mode == string(envelope.RoutingDynamic)
	var reg *registry.Registry
	var router *routing.Router
	if dynamic {
		reg = registry.New(
			time.Duration(cfg.Registry.TTLSecs)*time.Second,
			time.Duration(cfg.Registry.SweepIntervalSecs)*time.Second,
		)
		strategy := deps.RoutingStrategy
		if strategy == nil {
			strategy = routing.RuleEngineStrategy{}
		}
		router = &routing.Router{Strategy: strategy}
	}

	proc := processor.New(cfg.Agent.ID, processor.Processor{
		Idempotency: idem,
		Tools:       tools,
		LLM:         deps.LLM,
		Registry:    reg,
		Router:      router,
		Publisher:   tr,
		Budget:      cfg.Budget,
		MaxDepth:    cfg.Pipeline.MaxDepth,
		Logger:      logger,
	})

	orch := pipeline.New(proc, tr, pipeline.Config{
		Workers:          cfg.Pipeline.Workers,
		QueueThreshold:   cfg.Pipeline.QueueThreshold,
		ShutdownDeadline: time.Duration(cfg.Pipeline.ShutdownDeadlineSecs) * time.Second,
		SelfID:           cfg.Agent.ID,
		Logger:           logger,
	})

	manager := lifecycle.New(lifecycle.Config{
		SelfID:         cfg.Agent.ID,
		DynamicRouting: dynamic,
		Transport:      tr,
		Orchestrator:   orch,
		Registry:       reg,
		StatusBuilder:  statusBuilder,
		LLM:            deps.LLM,
		Tools:          tools,
		Logger:         logger,
	})

	return &Agent{cfg: cfg, manager: manager, Registry: reg}, nil
}

// Start connects the transport, subscribes, publishes the initial
// status, and starts the pipeline orchestrator (spec.md §4.11).
func (a *Agent) Start(ctx context.Context) error { return a.manager.Start(ctx) }

// Stop drains in-flight tasks, publishes Offline, and disconnects
// (spec.md §4.11). Idempotent.
func (a *Agent) Stop(ctx context.Context) error { return a.manager.Stop(ctx) }
