// Package envelope implements the versioned TaskEnvelope wire protocol
// exchanged between agents over MQTT: parsing, emission, version detection,
// and the v1<->v2 lift/project laws.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// NextTask names the next hop in a static pipeline.
type NextTask struct {
	AgentID     string `json:"agent_id"`
	Instruction string `json:"instruction,omitempty"`
}

// decodeNextField parses the wire `next` field, which spec.md §3 allows as
// either a single NextTask object or an ordered list of them. The object
// form yields Next with no chain; the list form's head becomes Next and
// the whole list becomes NextChain so forward() can advance through it.
func decodeNextField(raw json.RawMessage) (*NextTask, []NextTask, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil, nil
	}
	if trimmed[0] == '[' {
		var chain []NextTask
		if err := json.Unmarshal(raw, &chain); err != nil {
			return nil, nil, fmt.Errorf("%w: malformed next list: %v", ErrInvalidEnvelope, err)
		}
		if len(chain) == 0 {
			return nil, nil, nil
		}
		head := chain[0]
		return &head, chain, nil
	}
	var nt NextTask
	if err := json.Unmarshal(raw, &nt); err != nil {
		return nil, nil, fmt.Errorf("%w: malformed next object: %v", ErrInvalidEnvelope, err)
	}
	return &nt, nil, nil
}

// V1 is the baseline TaskEnvelope wire shape.
type V1 struct {
	TaskID         string                     `json:"task_id"`
	ConversationID string                     `json:"conversation_id"`
	PipelineDepth  int                        `json:"pipeline_depth"`
	Instruction    string                     `json:"instruction"`
	Payload        json.RawMessage            `json:"payload,omitempty"`
	Next           *NextTask                  `json:"next,omitempty"`
	NextChain      []NextTask                 `json:"next_chain,omitempty"`
	Metadata       map[string]json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time                  `json:"created_at"`
}

// UnmarshalJSON accepts `next` as either a single NextTask object or an
// ordered list (spec.md §3's static pipeline form).
func (v *V1) UnmarshalJSON(data []byte) error {
	type alias V1
	aux := struct {
		Next json.RawMessage `json:"next,omitempty"`
		*alias
	}{alias: (*alias)(v)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	next, chain, err := decodeNextField(aux.Next)
	if err != nil {
		return err
	}
	v.Next = next
	if len(chain) > 0 {
		v.NextChain = chain
	}
	return nil
}

// RoutingMode selects between a fixed `next` hop and dynamic router
// evaluation.
type RoutingMode string

const (
	RoutingStatic  RoutingMode = "static"
	RoutingDynamic RoutingMode = "dynamic"
)

// FallbackMode governs what happens when dynamic routing finds no match.
type FallbackMode string

const (
	FallbackStatic FallbackMode = "static"
	FallbackDrop   FallbackMode = "drop"
)

// RoutingRule is one ordered entry in a v2 envelope's routing table.
type RoutingRule struct {
	ID                   string   `json:"id"`
	Priority             int      `json:"priority"`
	Condition            string   `json:"condition"`
	TargetAgent          string   `json:"target_agent"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

// RoutingConfig carries the v2 routing directives.
type RoutingConfig struct {
	Mode     RoutingMode   `json:"mode"`
	Fallback FallbackMode  `json:"fallback"`
	Rules    []RoutingRule `json:"rules,omitempty"`
}

// RoutingStep is one append-only entry in a v2 envelope's routing_trace.
type RoutingStep struct {
	AgentID        string    `json:"agent_id"`
	MatchedRule    string    `json:"matched_rule,omitempty"`
	DecisionReason string    `json:"decision_reason"`
	Timestamp      time.Time `json:"timestamp"`
}

// MaxRoutingTraceSteps bounds routing_trace length; see AppendRoutingStep.
const MaxRoutingTraceSteps = 32

// V2 is the superset envelope adding dynamic routing metadata.
type V2 struct {
	Version        string                     `json:"version"`
	TaskID         string                     `json:"task_id"`
	ConversationID string                     `json:"conversation_id"`
	PipelineDepth  int                        `json:"pipeline_depth"`
	Instruction    string                     `json:"instruction"`
	Payload        json.RawMessage            `json:"payload,omitempty"`
	Next           *NextTask                  `json:"next,omitempty"`
	NextChain      []NextTask                 `json:"next_chain,omitempty"`
	Metadata       map[string]json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time                  `json:"created_at"`
	Routing        RoutingConfig              `json:"routing"`
	RoutingTrace   []RoutingStep              `json:"routing_trace"`
}

// UnmarshalJSON accepts `next` as either a single NextTask object or an
// ordered list (spec.md §3's static pipeline form).
func (v *V2) UnmarshalJSON(data []byte) error {
	type alias V2
	aux := struct {
		Next json.RawMessage `json:"next,omitempty"`
		*alias
	}{alias: (*alias)(v)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	next, chain, err := decodeNextField(aux.Next)
	if err != nil {
		return err
	}
	v.Next = next
	if len(chain) > 0 {
		v.NextChain = chain
	}
	return nil
}

// Version2 is the discriminator value for V2 envelopes.
const Version2 = "2.0"

// Wrapper is the tagged union over the two envelope versions. Exactly one
// of V1/V2 is non-nil.
type Wrapper struct {
	V1 *V1
	V2 *V2
}

// IsV2 reports whether the wrapper holds a v2 envelope.
func (w *Wrapper) IsV2() bool { return w.V2 != nil }

// TaskID returns the task_id regardless of underlying version.
func (w *Wrapper) TaskID() string {
	if w.V2 != nil {
		return w.V2.TaskID
	}
	return w.V1.TaskID
}

// ConversationID returns the conversation_id regardless of version.
func (w *Wrapper) ConversationID() string {
	if w.V2 != nil {
		return w.V2.ConversationID
	}
	return w.V1.ConversationID
}

// PipelineDepth returns pipeline_depth regardless of version.
func (w *Wrapper) PipelineDepth() int {
	if w.V2 != nil {
		return w.V2.PipelineDepth
	}
	return w.V1.PipelineDepth
}

// Instruction returns the instruction field regardless of version.
func (w *Wrapper) Instruction() string {
	if w.V2 != nil {
		return w.V2.Instruction
	}
	return w.V1.Instruction
}

// Next returns the static next hop, if any, regardless of version.
func (w *Wrapper) Next() *NextTask {
	if w.V2 != nil {
		return w.V2.Next
	}
	return w.V1.Next
}

// RemainingChain returns the static pipeline hops still to run after the
// current one (the list form of `next`, minus its head), regardless of
// version. Returns nil when `next` was sent as a single object rather than
// a list, or when the list has one or zero elements left.
func (w *Wrapper) RemainingChain() []NextTask {
	var chain []NextTask
	if w.V2 != nil {
		chain = w.V2.NextChain
	} else {
		chain = w.V1.NextChain
	}
	if len(chain) <= 1 {
		return nil
	}
	return chain[1:]
}

// CreatedAt returns the created_at timestamp regardless of version.
func (w *Wrapper) CreatedAt() time.Time {
	if w.V2 != nil {
		return w.V2.CreatedAt
	}
	return w.V1.CreatedAt
}
