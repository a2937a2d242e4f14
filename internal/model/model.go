// ABOUTME: Provider-neutral types for one model step: messages, tools, stream events
// ABOUTME: Adapters translate these into OpenAI, Anthropic, and langchaingo requests

package model

import (
	"context"
	"encoding/json"
)

// Role is the author of a model-facing message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation sent to a provider.
// Assistant messages carry Text, ToolCalls, or both. Tool messages carry ToolResult.
type Message struct {
	Role       Role
	Text       string
	ToolCalls  []ToolCall
	ToolResult *ToolResult
}

// ToolDefinition describes a function the model may call.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is the textual outcome of a tool call.
type ToolResult struct {
	CallID  string
	Name    string
	Output  string
	IsError bool
}

// Request is the input of a single model step.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition
}

// EventKind identifies a streamed fragment.
type EventKind int

const (
	EventTextDelta EventKind = iota
)

// Event is a fragment emitted while a step is being generated.
type Event struct {
	Kind EventKind
	Text string
}

// EmitFunc receives events in generation order. It blocks while the consumer
// is behind. A non-nil error aborts the step.
type EmitFunc func(Event) error

// StepResult is the completed output of one step.
type StepResult struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
}

// Provider generates one step of a conversation.
//
// Stream returns *ContentPolicyError when the provider refuses on policy
// grounds, on the request or the response, and *TransportError for any other
// provider failure.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request, emit EmitFunc) (*StepResult, error)
}

func schemaMap(raw json.RawMessage) map[string]any {
	schema := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &schema)
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	return schema
}

func argumentsOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return json.RawMessage("{}")
	}
	return raw
}
