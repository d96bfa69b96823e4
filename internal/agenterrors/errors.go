// Package agenterrors defines the runtime's error taxonomy and its mapping
// to the wire error envelope payload, plus secret redaction applied before
// any error is published.
package agenterrors

import (
	"fmt"
	"time"
)

// Kind enumerates the error taxonomy from the protocol's error model.
type Kind string

const (
	KindInvalidEnvelope       Kind = "InvalidEnvelope"
	KindPipelineDepthExceeded Kind = "PipelineDepthExceeded"
	KindDuplicateTaskID       Kind = "DuplicateTaskId"
	KindTopicMismatch         Kind = "TopicMismatch"
	KindLlmFailure            Kind = "LlmFailure"
	KindToolFailure           Kind = "ToolFailure"
	KindBudgetExhausted       Kind = "BudgetExhausted"
	KindRoutingFailed         Kind = "RoutingFailed"
	KindTransportOverflow     Kind = "TransportOverflow"
	KindInternal              Kind = "Internal"
)

// Retryable reports whether an error of this kind is worth an internal,
// bounded retry. Tool failures report false, since tools are never
// retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindLlmFailure, KindTransportOverflow:
		return true
	default:
		return false
	}
}

// TaskError is the structured error surfaced for a single task's failure.
// It carries enough context to build the wire ErrorPayload in §4.12.
type TaskError struct {
	Kind           Kind
	Message        string
	TaskID         string
	ConversationID string
	AgentID        string
	Cause          error
}

func (e *TaskError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *TaskError) Unwrap() error { return e.Cause }

// New constructs a TaskError, redacting the message immediately so no
// caller can accidentally publish an unredacted one.
func New(kind Kind, taskID, conversationID, agentID, message string, cause error) *TaskError {
	return &TaskError{
		Kind:           kind,
		Message:        Redact(message),
		TaskID:         taskID,
		ConversationID: conversationID,
		AgentID:        agentID,
		Cause:          cause,
	}
}

// Payload is the wire shape published on the conversation topic for a
// failed task: {error_kind, message, task_id, conversation_id, agent_id, timestamp}.
type Payload struct {
	ErrorKind      Kind      `json:"error_kind"`
	Message        string    `json:"message"`
	TaskID         string    `json:"task_id"`
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// ToPayload converts a TaskError into its wire representation.
func (e *TaskError) ToPayload(now time.Time) Payload {
	return Payload{
		ErrorKind:      e.Kind,
		Message:        Redact(e.Message),
		TaskID:         e.TaskID,
		ConversationID: e.ConversationID,
		AgentID:        e.AgentID,
		Timestamp:      now,
	}
}
