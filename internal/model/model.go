// Package model abstracts the LLM providers behind a single non-streaming
// completion interface. The engine never talks to an SDK directly.
package model

import "context"

// Message is one prompt history entry in provider-neutral form.
type Message struct {
	// Role is "system", "user", "assistant" or "tool".
	Role string
	Text string

	// ToolCalls are calls issued by a prior assistant message.
	ToolCalls []ToolCall
	// ToolCallID pairs a "tool" role message with the call it answers.
	ToolCallID string
}

// ToolCall is a function invocation requested by the model.
// Arguments is the raw JSON argument object.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDef describes a callable tool to the model. Parameters is a JSON
// schema object (type/properties/required).
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one completion request.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolDef
	Temperature float64
	MaxTokens   int64
}

// Response is the provider-neutral completion result.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
}

// Model is a non-streaming chat completion backend.
type Model interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Name() string
}
