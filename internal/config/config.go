// Package config defines the plain, pre-validated Go structs that carry
// every configuration value the core consumes (spec.md §6). The core
// never reads files or environment variables; an external collaborator
// (CLI flags, a YAML/env loader) is responsible for populating these
// structs and handing them to the lifecycle manager.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Agent identifies this process and what it can do.
type Agent struct {
	// ID must match [A-Za-z0-9._-]+.
	ID           string
	Capabilities []string
}

// MQTT carries broker connection parameters.
type MQTT struct {
	BrokerURL string
	QoS       byte
	KeepAlive time.Duration
}

// Budget bounds the nine-step processor's work loop and wall-clock
// deadline.
type Budget struct {
	MaxToolCalls      int
	MaxIterations     int
	TaskDeadlineSecs  int
	ToolGracePeriodMs int
}

// Idempotency configures the task-id duplicate-suppression cache.
type Idempotency struct {
	Capacity int
	TTLSecs  int
}

// Routing carries the static routing configuration an agent can be
// launched with; a v2 envelope's own `routing` field still takes
// precedence per-task.
type Routing struct {
	Mode     string        `yaml:"mode"`
	Fallback string        `yaml:"fallback"`
	Rules    []RoutingRule `yaml:"rules"`
}

// RoutingRule mirrors envelope.RoutingRule for YAML-sourced static config.
type RoutingRule struct {
	ID                   string   `yaml:"id"`
	Priority             int      `yaml:"priority"`
	Condition            string   `yaml:"condition"`
	TargetAgent          string   `yaml:"target_agent"`
	RequiredCapabilities []string `yaml:"required_capabilities,omitempty"`
}

// Registry configures the agent registry's TTL sweep.
type Registry struct {
	TTLSecs           int
	SweepIntervalSecs int
}

// Pipeline bounds pipeline depth and orchestrator concurrency.
type Pipeline struct {
	MaxDepth             int
	Workers              int
	QueueThreshold       int
	ShutdownDeadlineSecs int
}

// Config is the full set of values the lifecycle manager assembles
// components from.
type Config struct {
	Agent       Agent
	MQTT        MQTT
	Budget      Budget
	Idempotency Idempotency
	Routing     Routing
	Registry    Registry
	Pipeline    Pipeline
}

// Default returns a Config with every default named in spec.md §6.
func Default() Config {
	return Config{
		MQTT: MQTT{QoS: 1, KeepAlive: 30 * time.Second},
		Budget: Budget{
			MaxToolCalls:      15,
			MaxIterations:     8,
			TaskDeadlineSecs:  300,
			ToolGracePeriodMs: 2000,
		},
		Idempotency: Idempotency{Capacity: 10000, TTLSecs: 3600},
		Registry:    Registry{TTLSecs: 15, SweepIntervalSecs: 1},
		Pipeline: Pipeline{
			MaxDepth:             16,
			Workers:              0, // 0 => logical CPUs x2, capped at 64 (resolved by the orchestrator)
			QueueThreshold:       256,
			ShutdownDeadlineSecs: 30,
		},
	}
}

// ParseRoutingRules decodes the YAML shape an operator authors static
// routing rules in (see Routing's yaml tags) into a Routing section.
// Reading the bytes from disk, an env var, or a secrets store is an
// external loader's job -- this core package only turns already-read
// bytes into validated structs.
func ParseRoutingRules(data []byte) (Routing, error) {
	var r Routing
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Routing{}, fmt.Errorf("config: parse routing rules: %w", err)
	}
	return r, nil
}
