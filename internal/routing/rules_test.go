package routing

import (
	"testing"
	"time"

	"github.com/gridwire/agentmesh/internal/registry"
	"github.com/gridwire/agentmesh/pkg/envelope"
)

func TestEvaluate_FirstMatchWins(t *testing.T) {
	reg := registry.New(15*time.Second, 0)
	reg.Record(registry.AgentStatus{AgentID: "email-agent", Status: registry.StatusAvailable, Capabilities: []string{"email"}})

	rules := []envelope.RoutingRule{
		{ID: "r2", Priority: 2, Condition: "$.payload.type", TargetAgent: "other-agent"},
		{ID: "r1", Priority: 1, Condition: "$.payload.kind", TargetAgent: "email-agent", RequiredCapabilities: []string{"email"}},
	}

	envJSON := []byte(`{"payload":{"kind":"email","type":"x"}}`)
	d := Evaluate(envJSON, rules, envelope.FallbackDrop, reg)

	if d.Kind != DecisionRouteToAgent || d.TargetAgent != "email-agent" || d.MatchedRule != "r1" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestEvaluate_SkipsRuleWhenTargetLacksCapability(t *testing.T) {
	reg := registry.New(15*time.Second, 0)
	reg.Record(registry.AgentStatus{AgentID: "agent-a", Status: registry.StatusAvailable, Capabilities: []string{"sms"}})

	rules := []envelope.RoutingRule{
		{ID: "r1", Priority: 1, Condition: "$.payload.kind", TargetAgent: "agent-a", RequiredCapabilities: []string{"email"}},
	}

	d := Evaluate([]byte(`{"payload":{"kind":"email"}}`), rules, envelope.FallbackDrop, reg)
	if d.Kind != DecisionDropTask {
		t.Fatalf("expected drop when no rule's target qualifies, got %+v", d)
	}
}

func TestEvaluate_FallbackStaticWhenNoMatch(t *testing.T) {
	d := Evaluate([]byte(`{"payload":{}}`), nil, envelope.FallbackStatic, nil)
	if d.Kind != DecisionUseFallback {
		t.Fatalf("expected UseFallback, got %+v", d)
	}
}

func TestEvaluate_FallbackDropWhenNoMatch(t *testing.T) {
	d := Evaluate([]byte(`{"payload":{}}`), nil, envelope.FallbackDrop, nil)
	if d.Kind != DecisionDropTask {
		t.Fatalf("expected DropTask, got %+v", d)
	}
}

func TestEvaluate_TruthySemantics(t *testing.T) {
	cases := []struct {
		name string
		json string
		want bool
	}{
		{"zero is falsy", `{"payload":{"n":0}}`, false},
		{"nonzero is truthy", `{"payload":{"n":1}}`, true},
		{"empty string falsy", `{"payload":{"s":""}}`, false},
		{"null falsy", `{"payload":{"s":null}}`, false},
		{"false falsy", `{"payload":{"s":false}}`, false},
		{"true truthy", `{"payload":{"s":true}}`, true},
		{"missing path falsy", `{"payload":{}}`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rules := []envelope.RoutingRule{{ID: "r1", Priority: 1, Condition: "$.payload.n", TargetAgent: "a"}}
			if tc.name == "empty string falsy" || tc.name == "null falsy" || tc.name == "false falsy" || tc.name == "true truthy" {
				rules[0].Condition = "$.payload.s"
			}
			d := Evaluate([]byte(tc.json), rules, envelope.FallbackDrop, nil)
			got := d.Kind == DecisionRouteToAgent
			if got != tc.want {
				t.Errorf("condition match = %v, want %v (decision=%+v)", got, tc.want, d)
			}
		})
	}
}
