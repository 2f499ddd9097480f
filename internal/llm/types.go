// Package llm is the generation capability used by the research stages:
// plain generation, tool-augmented generation and schema-validated structured
// generation over a chat-completions provider.
package llm

import (
	"context"
	"encoding/json"
)

// Roles of transcript messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a model request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON object
}

// Message is one entry of an ordered transcript.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// ToolSpec is the declaration of a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ResponseFormat asks the provider to constrain output to a JSON schema.
type ResponseFormat struct {
	Name   string
	Schema json.RawMessage
}

// ChatRequest is one provider round trip.
type ChatRequest struct {
	Model          string
	Messages       []Message
	Tools          []ToolSpec
	ResponseFormat *ResponseFormat
	Temperature    float64
	MaxTokens      int
}

// Usage is token accounting for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// ChatResponse is the assistant turn returned by a provider.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Provider is a chat-completions backend. Implementations perform their own
// retries and report exhaustion as errs.UpstreamGenerationError and missing
// credentials as errs.ConfigurationError.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	CalculateCost(usage Usage, model string) float64
}

// Tool is an external capability the model may invoke by name.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// Schema is a structured-output contract.
type Schema interface {
	Name() string
	Document() []byte
	Validate(data []byte) error
}

// Validator is implemented by structured outputs with semantic checks beyond
// their JSON schema (enumeration membership, cross-field rules).
type Validator interface {
	Validate() error
}

// Recorder receives generation and tool events; telemetry implements it.
type Recorder interface {
	RecordLLMCall(model string, usage Usage, cost float64, err error)
	RecordToolCall(tool string, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordLLMCall(string, Usage, float64, error) {}
func (nopRecorder) RecordToolCall(string, error)                {}
