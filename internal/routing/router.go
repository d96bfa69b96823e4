package routing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gridwire/agentmesh/internal/registry"
	"github.com/gridwire/agentmesh/pkg/envelope"
	"github.com/gridwire/agentmesh/pkg/llm"
)

// DecisionOutput is the v2 router's output shape: {workflow_complete,
// reasoning, next_agent?, next_instruction?}. Dropped distinguishes a
// fallback=drop (or LLM-unrecoverable) decision, which the processor must
// discard without publishing anything, from a genuine terminal completion,
// which still publishes the work output.
type DecisionOutput struct {
	WorkflowComplete bool   `json:"workflow_complete"`
	Dropped          bool   `json:"dropped,omitempty"`
	Reasoning        string `json:"reasoning"`
	NextAgent        string `json:"next_agent,omitempty"`
	NextInstruction  string `json:"next_instruction,omitempty"`
	MatchedRule      string `json:"matched_rule,omitempty"`
}

// Strategy is the router's pluggable decision-making contract. Both the
// rule engine and the LLM-driven classifier satisfy it, and either can be
// substituted under test by a mock returning scripted DecisionOutput
// values.
type Strategy interface {
	Decide(ctx context.Context, env *envelope.V2, workOutput string, reg *registry.Registry) (DecisionOutput, error)
}

// RuleEngineStrategy decides purely from the envelope's routing rules.
type RuleEngineStrategy struct{}

func (RuleEngineStrategy) Decide(ctx context.Context, env *envelope.V2, workOutput string, reg *registry.Registry) (DecisionOutput, error) {
	envJSON, err := json.Marshal(env)
	if err != nil {
		return DecisionOutput{}, fmt.Errorf("routing: marshal envelope: %w", err)
	}

	d := Evaluate(envJSON, env.Routing.Rules, env.Routing.Fallback, reg)
	switch d.Kind {
	case DecisionRouteToAgent:
		return DecisionOutput{WorkflowComplete: false, Reasoning: d.Reason, NextAgent: d.TargetAgent, MatchedRule: d.MatchedRule}, nil
	case DecisionDropTask:
		return DecisionOutput{WorkflowComplete: true, Dropped: true, Reasoning: d.Reason}, nil
	default: // UseFallback: fallback=static forwards to the envelope's own static next hop, v1-like.
		if env.Next != nil {
			return DecisionOutput{WorkflowComplete: false, Reasoning: d.Reason, NextAgent: env.Next.AgentID, NextInstruction: env.Next.Instruction}, nil
		}
		return DecisionOutput{WorkflowComplete: true, Reasoning: d.Reason}, nil
	}
}

// LLMStrategy asks an LLM provider, with a routing-specific prompt
// containing the original instruction, the work output, and the
// available agents (name + capabilities from the registry), to produce
// a DecisionOutput. It validates the result and retries once with the
// validation error appended before falling back.
type LLMStrategy struct {
	Provider llm.Provider
}

func (s LLMStrategy) Decide(ctx context.Context, env *envelope.V2, workOutput string, reg *registry.Registry) (DecisionOutput, error) {
	prompt := s.buildPrompt(env, workOutput, reg, "")
	out, err := s.ask(ctx, prompt)
	if err != nil {
		return DecisionOutput{}, err
	}

	if validationErr := s.validate(out, reg); validationErr != nil {
		retryPrompt := s.buildPrompt(env, workOutput, reg, validationErr.Error())
		out, err = s.ask(ctx, retryPrompt)
		if err != nil {
			return DecisionOutput{}, err
		}
		if validationErr := s.validate(out, reg); validationErr != nil {
			// Falls back to the envelope's static next field, or drop.
			if env.Next != nil {
				return DecisionOutput{WorkflowComplete: false, Reasoning: "llm routing failed validation twice; using static next", NextAgent: env.Next.AgentID, NextInstruction: env.Next.Instruction}, nil
			}
			return DecisionOutput{WorkflowComplete: true, Dropped: true, Reasoning: "llm routing failed validation twice; dropping"}, nil
		}
	}

	return out, nil
}

func (s LLMStrategy) ask(ctx context.Context, prompt string) (DecisionOutput, error) {
	completion, err := s.Provider.Complete(ctx, llm.Request{
		Messages: []llm.Message{{Role: llm.RoleSystem, Content: prompt}},
	})
	if err != nil {
		return DecisionOutput{}, fmt.Errorf("routing: llm strategy: %w", err)
	}

	var out DecisionOutput
	if err := json.Unmarshal([]byte(completion.Content), &out); err != nil {
		return DecisionOutput{}, fmt.Errorf("routing: llm returned non-conforming decision: %w", err)
	}
	return out, nil
}

func (s LLMStrategy) validate(out DecisionOutput, reg *registry.Registry) error {
	if out.WorkflowComplete {
		if out.NextAgent != "" {
			return fmt.Errorf("workflow_complete=true but next_agent %q is also set", out.NextAgent)
		}
		return nil
	}
	if out.NextAgent == "" {
		return fmt.Errorf("workflow_complete=false requires next_agent")
	}
	if reg != nil {
		if _, ok := reg.Get(out.NextAgent); !ok {
			return fmt.Errorf("next_agent %q is not a live registry entry", out.NextAgent)
		}
	}
	return nil
}

func (s LLMStrategy) buildPrompt(env *envelope.V2, workOutput string, reg *registry.Registry, validationError string) string {
	agents := "none"
	if reg != nil {
		list := reg.List()
		b := make([]byte, 0, 256)
		for i, a := range list {
			if i > 0 {
				b = append(b, ", "...)
			}
			b = append(b, fmt.Sprintf("%s(%v)", a.AgentID, a.Capabilities)...)
		}
		if len(list) > 0 {
			agents = string(b)
		}
	}

	prompt := fmt.Sprintf(
		"instruction: %s\nwork_output: %s\navailable_agents: %s\nrespond with JSON matching {workflow_complete, reasoning, next_agent?, next_instruction?}",
		env.Instruction, workOutput, agents,
	)
	if validationError != "" {
		prompt += "\nprevious response was invalid: " + validationError
	}
	return prompt
}

// Router wraps the Strategy the nine-step processor calls for
// dynamic-mode v2 envelopes. Route delegates to the Strategy unchanged;
// the static-next fallback is applied inside each Strategy's Decide.
type Router struct {
	Strategy Strategy
}

// Route decides the next hop for a dynamic-mode v2 envelope.
func (r *Router) Route(ctx context.Context, env *envelope.V2, workOutput string, reg *registry.Registry) (DecisionOutput, error) {
	return r.Strategy.Decide(ctx, env, workOutput, reg)
}
