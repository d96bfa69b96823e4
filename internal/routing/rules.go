// Package routing implements the rule engine (C7) and the v2 dynamic
// router (C8): ordered condition evaluation over envelope JSON, and the
// rule-engine/LLM routing strategies the nine-step processor invokes.
package routing

import (
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"github.com/gridwire/agentmesh/internal/registry"
	"github.com/gridwire/agentmesh/pkg/envelope"
)

// DecisionKind enumerates what the rule engine decided.
type DecisionKind string

const (
	DecisionRouteToAgent DecisionKind = "route_to_agent"
	DecisionUseFallback  DecisionKind = "use_fallback"
	DecisionDropTask     DecisionKind = "drop_task"
)

// Decision is the rule engine's output for one evaluation.
type Decision struct {
	Kind        DecisionKind
	TargetAgent string
	MatchedRule string
	Reason      string
}

// Evaluate applies rules, sorted ascending by priority then by id for
// determinism, against envelopeJSON. The first rule whose condition
// matches AND whose target is present in reg and satisfies its required
// capabilities wins; when reg is nil, that target check is skipped and the
// first matching condition wins. If no rule matches, fallback governs the
// result.
func Evaluate(envelopeJSON []byte, rules []envelope.RoutingRule, fallback envelope.FallbackMode, reg *registry.Registry) Decision {
	sorted := make([]envelope.RoutingRule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})

	json := string(envelopeJSON)

	for _, rule := range sorted {
		if !conditionMatches(json, rule.Condition) {
			continue
		}

		if reg != nil {
			info, ok := reg.Get(rule.TargetAgent)
			if !ok || !hasAllCapabilities(info.Capabilities, rule.RequiredCapabilities) {
				continue
			}
		}

		return Decision{
			Kind:        DecisionRouteToAgent,
			TargetAgent: rule.TargetAgent,
			MatchedRule: rule.ID,
			Reason:      "rule " + rule.ID + " matched",
		}
	}

	if fallback == envelope.FallbackDrop {
		return Decision{Kind: DecisionDropTask, Reason: "no rule matched; fallback=drop"}
	}
	return Decision{Kind: DecisionUseFallback, Reason: "no rule matched; fallback=static"}
}

// conditionMatches evaluates a JSONPath-style condition ("$.payload.type"
// or "payload.type") against the envelope's JSON, truthy per the rule
// engine's definition: non-null, non-zero, non-empty, or literal true.
func conditionMatches(json, condition string) bool {
	path := condition
	if len(path) >= 2 && path[0] == '$' && path[1] == '.' {
		path = path[2:]
	}

	result := gjson.Get(json, path)
	if !result.Exists() {
		return false
	}

	switch result.Type {
	case gjson.Null:
		return false
	case gjson.False:
		return false
	case gjson.True:
		return true
	case gjson.Number:
		return result.Num != 0
	case gjson.String:
		return result.Str != ""
	case gjson.JSON:
		if result.IsArray() {
			return len(result.Array()) > 0
		}
		return len(result.Map()) > 0
	default:
		return false
	}
}

func hasAllCapabilities(have, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[lower(h)] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[lower(req)]; !ok {
			return false
		}
	}
	return true
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// NewTraceStep builds the routing_trace entry for a rule-engine decision.
func NewTraceStep(agentID string, d Decision, now time.Time) envelope.RoutingStep {
	return envelope.RoutingStep{
		AgentID:        agentID,
		MatchedRule:    d.MatchedRule,
		DecisionReason: d.Reason,
		Timestamp:      now,
	}
}
