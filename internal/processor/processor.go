// Package processor implements the nine-step processor (C9): the fixed
// ingress-to-egress sequence from spec.md §4.9, grounded on the
// teacher's internal/agent.Runtime agentic loop and
// internal/agent.ToolExecutor's concurrent, shared-deadline tool
// dispatch.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gridwire/agentmesh/internal/agenterrors"
	"github.com/gridwire/agentmesh/internal/config"
	"github.com/gridwire/agentmesh/internal/idempotency"
	"github.com/gridwire/agentmesh/internal/registry"
	"github.com/gridwire/agentmesh/internal/routing"
	"github.com/gridwire/agentmesh/internal/toolregistry"
	"github.com/gridwire/agentmesh/internal/transport"
	"github.com/gridwire/agentmesh/pkg/envelope"
	"github.com/gridwire/agentmesh/pkg/llm"
	"github.com/gridwire/agentmesh/pkg/tool"
	"github.com/gridwire/agentmesh/pkg/topic"
)

var tracer = otel.Tracer("github.com/gridwire/agentmesh/internal/processor")

// Publisher is the narrow slice of transport.Transport the processor
// needs to emit forwarded and terminal envelopes.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// Processor runs the nine-step algorithm for one agent identity.
type Processor struct {
	SelfID      string
	Idempotency *idempotency.Cache
	Tools       *toolregistry.Registry
	LLM         llm.Provider
	Registry    *registry.Registry // nil when dynamic routing is never used
	Router      *routing.Router    // nil when dynamic routing is never used
	Publisher   Publisher
	Budget      config.Budget
	MaxDepth    int
	Logger      *slog.Logger

	now func() time.Time
}

// New constructs a Processor with spec.md §6 defaults applied to any
// zero-valued Budget/MaxDepth fields.
func New(selfID string, p Processor) *Processor {
	p.SelfID = selfID
	if p.Budget.MaxIterations <= 0 {
		p.Budget.MaxIterations = 8
	}
	if p.Budget.MaxToolCalls <= 0 {
		p.Budget.MaxToolCalls = 15
	}
	if p.Budget.TaskDeadlineSecs <= 0 {
		p.Budget.TaskDeadlineSecs = 300
	}
	if p.Budget.ToolGracePeriodMs <= 0 {
		p.Budget.ToolGracePeriodMs = 2000
	}
	if p.MaxDepth <= 0 || p.MaxDepth > 16 {
		p.MaxDepth = 16
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	p.now = time.Now
	return &p
}

// probe extracts just enough to drive idempotency and depth control
// (steps 4-5) before the full, validating decode of step 6.
type probe struct {
	TaskID         string `json:"task_id"`
	ConversationID string `json:"conversation_id"`
	PipelineDepth  int    `json:"pipeline_depth"`
}

// Handle runs the nine-step algorithm for one inbound message.
func (p *Processor) Handle(ctx context.Context, msg transport.InboundMessage) error {
	ctx, span := tracer.Start(ctx, "processor.handle", trace.WithAttributes(
		attribute.String("agent.self_id", p.SelfID),
		attribute.String("mqtt.topic", msg.Topic),
	))
	defer span.End()

	// Step 2: discard retained messages outright.
	if msg.Retained {
		p.Logger.Debug("discarding retained message", "topic", msg.Topic)
		return nil
	}

	// Step 3: topic validation.
	expected := topic.InputTopic(p.SelfID)
	if topic.Canonicalize(msg.Topic) != expected {
		p.Logger.Debug("discarding message on unexpected topic", "topic", msg.Topic, "expected", expected)
		return nil
	}

	var pr probe
	if err := json.Unmarshal(msg.Payload, &pr); err != nil {
		p.Logger.Warn("discarding unparseable message", "error", err)
		return nil
	}
	span.SetAttributes(
		attribute.String("task.id", pr.TaskID),
		attribute.String("conversation.id", pr.ConversationID),
		attribute.Int("pipeline.depth", pr.PipelineDepth),
	)

	// Step 4: idempotency.
	if pr.TaskID != "" && p.Idempotency.SeenOrInsert(pr.TaskID) {
		p.Logger.Debug("discarding duplicate task", "task_id", pr.TaskID)
		return nil
	}

	// Step 5: depth control.
	newDepth := pr.PipelineDepth + 1
	if newDepth > p.MaxDepth {
		taskErr := agenterrors.New(agenterrors.KindPipelineDepthExceeded, pr.TaskID, pr.ConversationID, p.SelfID,
			fmt.Sprintf("pipeline_depth %d exceeds max %d", newDepth, p.MaxDepth), nil)
		return p.publishError(ctx, taskErr)
	}

	// Step 6: parse.
	wrapper, err := envelope.Decode(msg.Payload)
	if err != nil {
		taskErr := agenterrors.New(agenterrors.KindInvalidEnvelope, pr.TaskID, pr.ConversationID, p.SelfID, err.Error(), err)
		return p.publishError(ctx, taskErr)
	}

	deadline := time.Duration(p.Budget.TaskDeadlineSecs) * time.Second
	taskCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// Step 7: work loop.
	workOutput, warn, workErr := p.runWorkLoop(taskCtx, wrapper)
	if workErr != nil {
		return p.publishError(ctx, workErr)
	}
	if warn != "" {
		p.Logger.Warn("work loop finished with warning", "task_id", wrapper.TaskID(), "warning", warn)
	}

	// Step 8: routing.
	if err := p.route(ctx, wrapper, newDepth, workOutput); err != nil {
		taskErr := agenterrors.New(agenterrors.KindRoutingFailed, wrapper.TaskID(), wrapper.ConversationID(), p.SelfID, err.Error(), err)
		return p.publishError(ctx, taskErr)
	}

	// Step 9: completion. QoS-1 acknowledgement is driven by the
	// transport on return; nothing further to release here.
	return nil
}

func (p *Processor) runWorkLoop(ctx context.Context, wrapper *envelope.Wrapper) (out string, warning string, taskErr *agenterrors.TaskError) {
	ctx, span := tracer.Start(ctx, "processor.work_loop", trace.WithAttributes(
		attribute.String("task.id", wrapper.TaskID()),
		attribute.Int("budget.max_iterations", p.Budget.MaxIterations),
		attribute.Int("budget.max_tool_calls", p.Budget.MaxToolCalls),
	))
	defer span.End()

	messages := []llm.Message{
		{Role: llm.RoleUser, Content: wrapper.Instruction()},
	}
	toolSpecs := p.toolSpecs()
	remainingToolCalls := p.Budget.MaxToolCalls

	for iter := 0; iter < p.Budget.MaxIterations; iter++ {
		completion, err := p.LLM.Complete(ctx, llm.Request{Messages: messages, Tools: toolSpecs})
		if err != nil {
			return "", "", agenterrors.New(agenterrors.KindLlmFailure, wrapper.TaskID(), wrapper.ConversationID(), p.SelfID, err.Error(), err)
		}

		switch completion.FinishReason {
		case llm.FinishStop:
			return completion.Content, "", nil

		case llm.FinishLength:
			return completion.Content, "truncated at max_tokens (finish_reason=length)", nil

		case llm.FinishToolCalls:
			calls := make([]toolregistry.Call, len(completion.ToolCalls))
			for i, tc := range completion.ToolCalls {
				calls[i] = toolregistry.Call{ID: tc.ID, Name: tc.Name, Args: tc.Args}
			}
			if len(calls) > remainingToolCalls {
				calls = calls[:remainingToolCalls]
			}

			results := p.Tools.ExecuteConcurrently(ctx, calls, toolregistry.DispatchConfig{
				PerToolTimeout: 60 * time.Second,
				SharedDeadline: remaining(ctx),
			})
			remainingToolCalls -= len(results)

			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: completion.Content, ToolCalls: completion.ToolCalls})
			fatal := false
			for _, r := range results {
				messages = append(messages, toolResultMessage(r))
				if r.IsFatal {
					fatal = true
				}
			}

			if fatal {
				return "", "", agenterrors.New(agenterrors.KindToolFailure, wrapper.TaskID(), wrapper.ConversationID(), p.SelfID, "a tool call returned a fatal error", nil)
			}
			if remainingToolCalls <= 0 {
				return "", "", agenterrors.New(agenterrors.KindBudgetExhausted, wrapper.TaskID(), wrapper.ConversationID(), p.SelfID, "max_tool_calls budget exhausted", nil)
			}
			continue

		case llm.FinishContentFilter, llm.FinishError:
			return "", "", agenterrors.New(agenterrors.KindLlmFailure, wrapper.TaskID(), wrapper.ConversationID(), p.SelfID, fmt.Sprintf("llm finished with %s", completion.FinishReason), nil)

		default:
			return "", "", agenterrors.New(agenterrors.KindLlmFailure, wrapper.TaskID(), wrapper.ConversationID(), p.SelfID, fmt.Sprintf("unrecognized finish_reason %q", completion.FinishReason), nil)
		}
	}

	return "", "", agenterrors.New(agenterrors.KindBudgetExhausted, wrapper.TaskID(), wrapper.ConversationID(), p.SelfID, "max_iterations exhausted", nil)
}

// route implements step 8: dynamic routing when the envelope is v2 in
// dynamic mode, static forwarding when `next` is present, otherwise a
// terminal conversation publication.
func (p *Processor) route(ctx context.Context, wrapper *envelope.Wrapper, newDepth int, workOutput string) error {
	if wrapper.IsV2() && wrapper.V2.Routing.Mode == envelope.RoutingDynamic {
		return p.routeDynamic(ctx, wrapper.V2, newDepth, workOutput)
	}
	if next := wrapper.Next(); next != nil {
		return p.forward(ctx, wrapper, newDepth, next.AgentID, next.Instruction)
	}
	return p.publishTerminal(ctx, wrapper, workOutput)
}

func (p *Processor) routeDynamic(ctx context.Context, v2 *envelope.V2, newDepth int, workOutput string) error {
	if p.Router == nil {
		return fmt.Errorf("processor: dynamic routing requested but no router configured")
	}

	decision, err := p.Router.Route(ctx, v2, workOutput, p.Registry)
	if err != nil {
		return err
	}
	if decision.Dropped {
		// fallback=drop (or an LLM strategy that gave up twice): discard
		// without emitting anything, per spec.md §4.7.
		return nil
	}
	if decision.WorkflowComplete || decision.NextAgent == "" {
		return p.publishTerminalV2(ctx, v2, workOutput)
	}

	instruction := decision.NextInstruction
	if instruction == "" {
		instruction = v2.Instruction
	}

	trace := envelope.AppendRoutingStep(v2.RoutingTrace, envelope.RoutingStep{
		AgentID:        decision.NextAgent,
		MatchedRule:    decision.MatchedRule,
		DecisionReason: decision.Reasoning,
		Timestamp:      p.now(),
	})

	out := &envelope.V2{
		Version:        envelope.Version2,
		TaskID:         uuid.NewString(),
		ConversationID: v2.ConversationID,
		PipelineDepth:  newDepth,
		Instruction:    instruction,
		Payload:        v2.Payload,
		Metadata:       v2.Metadata,
		CreatedAt:      p.now(),
		Routing:        v2.Routing,
		RoutingTrace:   trace,
	}
	body, err := envelope.Encode(&envelope.Wrapper{V2: out})
	if err != nil {
		return fmt.Errorf("processor: encode routed envelope: %w", err)
	}
	return p.Publisher.Publish(ctx, topic.InputTopic(decision.NextAgent), body, 1, false)
}

func (p *Processor) forward(ctx context.Context, wrapper *envelope.Wrapper, newDepth int, targetAgent, instruction string) error {
	if instruction == "" {
		instruction = wrapper.Instruction()
	}
	nextHop, nextChain := shiftChain(wrapper.RemainingChain())

	var out *envelope.Wrapper
	if wrapper.IsV2() {
		v2 := *wrapper.V2
		v2.TaskID = uuid.NewString()
		v2.PipelineDepth = newDepth
		v2.Instruction = instruction
		v2.Next = nextHop
		v2.NextChain = nextChain
		v2.CreatedAt = p.now()
		out = &envelope.Wrapper{V2: &v2}
	} else {
		v1 := *wrapper.V1
		v1.TaskID = uuid.NewString()
		v1.PipelineDepth = newDepth
		v1.Instruction = instruction
		v1.Next = nextHop
		v1.NextChain = nextChain
		v1.CreatedAt = p.now()
		out = &envelope.Wrapper{V1: &v1}
	}

	body, err := envelope.Encode(out)
	if err != nil {
		return fmt.Errorf("processor: encode forwarded envelope: %w", err)
	}
	return p.Publisher.Publish(ctx, topic.InputTopic(targetAgent), body, 1, false)
}

// shiftChain advances a static pipeline's list-form `next` by one hop:
// remaining's head becomes the forwarded envelope's own next hop, and the
// rest travels along as its next_chain. An empty/nil remaining means the
// envelope used the single-object form (or the list is now exhausted), so
// the forwarded envelope carries no further static hop.
func shiftChain(remaining []envelope.NextTask) (*envelope.NextTask, []envelope.NextTask) {
	if len(remaining) == 0 {
		return nil, nil
	}
	head := remaining[0]
	rest := remaining[1:]
	if len(rest) == 0 {
		rest = nil
	}
	return &head, rest
}

// terminalPayload is the wire shape published when a conversation ends
// without error: the agent's final work output.
type terminalPayload struct {
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	Output         string    `json:"output"`
	Timestamp      time.Time `json:"timestamp"`
}

func (p *Processor) publishTerminal(ctx context.Context, wrapper *envelope.Wrapper, workOutput string) error {
	return p.publishTerminalPayload(ctx, wrapper.ConversationID(), workOutput)
}

func (p *Processor) publishTerminalV2(ctx context.Context, v2 *envelope.V2, workOutput string) error {
	return p.publishTerminalPayload(ctx, v2.ConversationID, workOutput)
}

func (p *Processor) publishTerminalPayload(ctx context.Context, conversationID, workOutput string) error {
	payload := terminalPayload{
		ConversationID: conversationID,
		AgentID:        p.SelfID,
		Output:         workOutput,
		Timestamp:      p.now(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("processor: marshal terminal payload: %w", err)
	}
	return p.Publisher.Publish(ctx, topic.ConversationTopic(conversationID, p.SelfID), body, 1, false)
}

func (p *Processor) toolSpecs() []llm.ToolSpec {
	descs := p.Tools.List()
	specs := make([]llm.ToolSpec, len(descs))
	for i, d := range descs {
		specs[i] = llm.ToolSpec{Name: d.Name, Description: d.Description, Schema: d.Schema}
	}
	return specs
}

func toolResultMessage(r toolregistry.CallResult) llm.Message {
	if r.Err != nil {
		content := r.Err.Error()
		if te, ok := r.Err.(*tool.Error); ok {
			content = fmt.Sprintf("error[%s]: %s", te.Kind, te.Message)
		}
		return llm.Message{Role: llm.RoleTool, ToolCallID: r.Call.ID, Content: content}
	}
	return llm.Message{Role: llm.RoleTool, ToolCallID: r.Call.ID, Content: string(r.Result.Content)}
}

// remaining returns the duration until ctx's deadline, or a generous
// fallback when none is set (callers only use this to bound a shared
// per-turn tool deadline).
func remaining(ctx context.Context) time.Duration {
	if d, ok := ctx.Deadline(); ok {
		return time.Until(d)
	}
	return 24 * time.Hour
}

func (p *Processor) publishError(ctx context.Context, taskErr *agenterrors.TaskError) error {
	payload := taskErr.ToPayload(p.now())
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("processor: marshal error payload: %w", err)
	}
	t := topic.ConversationTopic(taskErr.ConversationID, p.SelfID)
	return p.Publisher.Publish(ctx, t, body, 1, false)
}
