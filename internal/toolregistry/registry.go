// Package toolregistry implements the tool registry (C4): registration,
// JSON-schema argument validation, and per-call dispatch bounded by a
// per-tool timeout and the task-level budget.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gridwire/agentmesh/pkg/tool"
)

const (
	// MaxToolNameLength bounds a registrable tool's name.
	MaxToolNameLength = 256
	// MaxToolParamsSize bounds the serialized size of a tool call's arguments.
	MaxToolParamsSize = 10 << 20
	// DefaultPerToolTimeout is applied when a call-site doesn't override it.
	DefaultPerToolTimeout = 60
)

// Registry holds registered tools and validates/dispatches calls to them.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]tool.Tool
	schemaCache sync.Map // schema json string -> *jsonschema.Schema
}

// New creates an empty tool registry.
func New() *Registry {
	return &Registry{tools: make(map[string]tool.Tool)}
}

// Register adds a tool under its own declared name.
func (r *Registry) Register(t tool.Tool) error {
	desc := t.Describe()
	if desc.Name == "" {
		return fmt.Errorf("toolregistry: tool has empty name")
	}
	if len(desc.Name) > MaxToolNameLength {
		return fmt.Errorf("toolregistry: tool name %q exceeds %d bytes", desc.Name, MaxToolNameLength)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("toolregistry: tool %q already registered", desc.Name)
	}
	r.tools[desc.Name] = t
	return nil
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (tool.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns descriptions for every registered tool, in the shape the
// LLM abstraction needs to present available tools.
func (r *Registry) List() []tool.Description {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tool.Description, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Describe())
	}
	return out
}

// Validate checks args against the tool's JSON schema. A validation
// failure is reported as tool.ErrorInvalidArguments and is never retried.
func (r *Registry) Validate(t tool.Tool, args json.RawMessage) error {
	desc := t.Describe()
	if len(args) > MaxToolParamsSize {
		return &tool.Error{Kind: tool.ErrorInvalidArguments, Message: "arguments exceed size limit"}
	}
	if len(desc.Schema) == 0 {
		return nil
	}

	schema, err := r.compileSchema(desc.Name, desc.Schema)
	if err != nil {
		return fmt.Errorf("toolregistry: compile schema for %q: %w", desc.Name, err)
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return &tool.Error{Kind: tool.ErrorInvalidArguments, Message: "arguments are not valid JSON", Cause: err}
	}

	if err := schema.Validate(decoded); err != nil {
		return &tool.Error{Kind: tool.ErrorInvalidArguments, Message: "arguments do not satisfy schema", Cause: err}
	}
	return nil
}

func (r *Registry) compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := name + ":" + string(schema)
	if cached, ok := r.schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return nil, err
	}
	r.schemaCache.Store(key, compiled)
	return compiled, nil
}

// Call is one tool invocation request carried through a work-loop turn.
type Call struct {
	ID   string
	Name string
	Args json.RawMessage
}

// CallResult pairs a Call with its outcome, for feeding back to the LLM.
type CallResult struct {
	Call    Call
	Result  *tool.Result
	Err     error
	IsFatal bool
}

// Execute validates and runs a single call, wrapping not-found and
// validation failures as tool.Error so callers can treat them uniformly.
func (r *Registry) Execute(ctx context.Context, call Call) CallResult {
	t, ok := r.Get(call.Name)
	if !ok {
		return CallResult{Call: call, Err: &tool.Error{Kind: tool.ErrorInvalidArguments, Message: fmt.Sprintf("unknown tool %q", call.Name)}}
	}

	if err := r.Validate(t, call.Args); err != nil {
		return CallResult{Call: call, Err: err}
	}

	res, err := t.Execute(ctx, call.Args)
	if err != nil {
		var toolErr *tool.Error
		isFatal := false
		if ok := asToolError(err, &toolErr); ok {
			isFatal = toolErr.IsFatal()
		}
		return CallResult{Call: call, Err: err, IsFatal: isFatal}
	}
	return CallResult{Call: call, Result: res}
}

func asToolError(err error, target **tool.Error) bool {
	te, ok := err.(*tool.Error)
	if ok {
		*target = te
	}
	return ok
}
