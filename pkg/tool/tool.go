// Package tool defines the capability contract tools must satisfy to be
// dispatched by the nine-step processor's work loop.
package tool

import (
	"context"
	"encoding/json"
)

// Description carries a tool's name, human description, and the JSON
// Schema its arguments must satisfy.
type Description struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ErrorKind classifies a tool failure for reporting back to the LLM and
// (never) for retry -- tools are assumed non-idempotent and are not retried.
type ErrorKind string

const (
	ErrorInvalidArguments ErrorKind = "invalid_arguments"
	ErrorTimeout          ErrorKind = "timeout"
	ErrorExecution        ErrorKind = "execution"
	ErrorFatal            ErrorKind = "fatal"
)

// Error is the structured failure a tool execution can report. Fatal
// errors stop the work loop; the others are surfaced to the LLM as an
// error marker in the next turn.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func (k ErrorKind) String() string { return string(k) }

// IsFatal reports whether the error should abort the work loop rather
// than be reported to the LLM as a recoverable result.
func (e *Error) IsFatal() bool { return e.Kind == ErrorFatal }

// Result is what a tool call produces on success.
type Result struct {
	Content   json.RawMessage
	Artifacts map[string]json.RawMessage
}

// Tool is the capability set every registered tool implements. Concrete
// tools (HTTP, file, web search, etc.) are external collaborators; this
// package defines only the contract.
type Tool interface {
	Describe() Description
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}
