package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidEnvelope is returned by Decode for any malformed, incomplete,
// or semantically invalid envelope.
var ErrInvalidEnvelope = errors.New("envelope: invalid")

// probe is used only to sniff the version discriminator before committing
// to a concrete shape.
type probe struct {
	Version string          `json:"version"`
	Routing json.RawMessage `json:"routing"`
}

// Decode parses bytes into a Wrapper, detecting v1 vs v2 by the presence
// of version == "2.0" and/or a routing object.
func Decode(data []byte) (*Wrapper, error) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed json: %v", ErrInvalidEnvelope, err)
	}

	if p.Version == Version2 || len(p.Routing) > 0 {
		var v2 V2
		if err := json.Unmarshal(data, &v2); err != nil {
			return nil, fmt.Errorf("%w: malformed v2 json: %v", ErrInvalidEnvelope, err)
		}
		if err := validateV2(&v2); err != nil {
			return nil, err
		}
		return &Wrapper{V2: &v2}, nil
	}

	var v1 V1
	if err := json.Unmarshal(data, &v1); err != nil {
		return nil, fmt.Errorf("%w: malformed v1 json: %v", ErrInvalidEnvelope, err)
	}
	if err := validateV1(&v1); err != nil {
		return nil, err
	}
	return &Wrapper{V1: &v1}, nil
}

// Encode serializes a Wrapper back to its wire bytes.
func Encode(w *Wrapper) ([]byte, error) {
	switch {
	case w == nil:
		return nil, fmt.Errorf("%w: nil wrapper", ErrInvalidEnvelope)
	case w.V2 != nil:
		return json.Marshal(w.V2)
	case w.V1 != nil:
		return json.Marshal(w.V1)
	default:
		return nil, fmt.Errorf("%w: empty wrapper", ErrInvalidEnvelope)
	}
}

func validateV1(v *V1) error {
	if v.TaskID == "" {
		return fmt.Errorf("%w: missing task_id", ErrInvalidEnvelope)
	}
	if v.ConversationID == "" {
		return fmt.Errorf("%w: missing conversation_id", ErrInvalidEnvelope)
	}
	if v.PipelineDepth < 0 {
		return fmt.Errorf("%w: negative pipeline_depth", ErrInvalidEnvelope)
	}
	return nil
}

func validateV2(v *V2) error {
	if v.TaskID == "" {
		return fmt.Errorf("%w: missing task_id", ErrInvalidEnvelope)
	}
	if v.ConversationID == "" {
		return fmt.Errorf("%w: missing conversation_id", ErrInvalidEnvelope)
	}
	if v.PipelineDepth < 0 {
		return fmt.Errorf("%w: negative pipeline_depth", ErrInvalidEnvelope)
	}
	switch v.Routing.Mode {
	case RoutingStatic, RoutingDynamic, "":
	default:
		return fmt.Errorf("%w: unknown routing.mode %q", ErrInvalidEnvelope, v.Routing.Mode)
	}
	// v2 with dynamic mode and no rules behaves exactly like static v1.
	if v.Routing.Mode == RoutingDynamic && len(v.Routing.Rules) == 0 {
		v.Routing.Mode = RoutingStatic
	}
	if len(v.RoutingTrace) > MaxRoutingTraceSteps {
		v.RoutingTrace = v.RoutingTrace[len(v.RoutingTrace)-MaxRoutingTraceSteps:]
	}
	return nil
}

// Lift wraps a v1 envelope as a v2 envelope with mode=static, no rules, and
// an empty trace. project(lift(e)) == e for any valid v1 envelope.
func Lift(v1 *V1) *V2 {
	return &V2{
		Version:        Version2,
		TaskID:         v1.TaskID,
		ConversationID: v1.ConversationID,
		PipelineDepth:  v1.PipelineDepth,
		Instruction:    v1.Instruction,
		Payload:        v1.Payload,
		Next:           v1.Next,
		NextChain:      v1.NextChain,
		Metadata:       v1.Metadata,
		CreatedAt:      v1.CreatedAt,
		Routing:        RoutingConfig{Mode: RoutingStatic, Fallback: FallbackDrop},
		RoutingTrace:   nil,
	}
}

// Project drops a v2 envelope's routing fields, producing the equivalent
// v1 envelope.
func Project(v2 *V2) *V1 {
	return &V1{
		TaskID:         v2.TaskID,
		ConversationID: v2.ConversationID,
		PipelineDepth:  v2.PipelineDepth,
		Instruction:    v2.Instruction,
		Payload:        v2.Payload,
		Next:           v2.Next,
		NextChain:      v2.NextChain,
		Metadata:       v2.Metadata,
		CreatedAt:      v2.CreatedAt,
	}
}

// AppendRoutingStep appends a trace entry, truncating the oldest entries
// (FIFO) and recording a synthetic truncation marker once the bound is
// exceeded, per the truncate-not-reject decision in DESIGN.md.
func AppendRoutingStep(trace []RoutingStep, step RoutingStep) []RoutingStep {
	trace = append(trace, step)
	if len(trace) <= MaxRoutingTraceSteps {
		return trace
	}
	overflow := len(trace) - MaxRoutingTraceSteps
	truncated := make([]RoutingStep, 0, MaxRoutingTraceSteps)
	truncated = append(truncated, RoutingStep{
		AgentID:        step.AgentID,
		DecisionReason: "trace truncated",
		Timestamp:      step.Timestamp,
	})
	truncated = append(truncated, trace[overflow+1:]...)
	return truncated
}
