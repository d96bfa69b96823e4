package config

import "testing"

func TestDefault_MatchesSpecDefaults(t *testing.T) {
	cfg := Default()

	if cfg.MQTT.QoS != 1 {
		t.Errorf("expected default QoS 1, got %d", cfg.MQTT.QoS)
	}
	if cfg.Budget.MaxToolCalls != 15 || cfg.Budget.MaxIterations != 8 {
		t.Errorf("unexpected budget defaults: %+v", cfg.Budget)
	}
	if cfg.Idempotency.Capacity != 10000 || cfg.Idempotency.TTLSecs != 3600 {
		t.Errorf("unexpected idempotency defaults: %+v", cfg.Idempotency)
	}
	if cfg.Pipeline.MaxDepth != 16 {
		t.Errorf("expected default pipeline depth 16, got %d", cfg.Pipeline.MaxDepth)
	}
	if cfg.Pipeline.QueueThreshold != 256 {
		t.Errorf("expected default queue threshold 256, got %d", cfg.Pipeline.QueueThreshold)
	}
	if cfg.Registry.TTLSecs != 15 {
		t.Errorf("expected default registry TTL 15s, got %d", cfg.Registry.TTLSecs)
	}
}

func TestParseRoutingRules_DecodesYAML(t *testing.T) {
	doc := []byte(`
mode: dynamic
fallback: static
rules:
  - id: billing
    priority: 10
    condition: "task.instruction contains 'invoice'"
    target_agent: billing-agent
    required_capabilities: ["billing"]
`)
	r, err := ParseRoutingRules(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Mode != "dynamic" || r.Fallback != "static" {
		t.Fatalf("unexpected routing header: %+v", r)
	}
	if len(r.Rules) != 1 || r.Rules[0].ID != "billing" || r.Rules[0].TargetAgent != "billing-agent" {
		t.Fatalf("unexpected rules: %+v", r.Rules)
	}
}

func TestParseRoutingRules_RejectsMalformedYAML(t *testing.T) {
	if _, err := ParseRoutingRules([]byte("not: [valid")); err == nil {
		t.Fatal("expected an error for malformed YAML")
	}
}
