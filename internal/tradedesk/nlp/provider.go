// Package nlp is the boundary to the language model. The turn loop calls
// Complete until the model answers with plain text; each iteration carries
// the accumulated messages including tool results.
//
// The model only proposes tool calls. Every call still goes through the tool
// execution service, its argument schema and the policy gate, and every side
// effect still waits for a confirmed intent.
package nlp

import (
	"context"
	"errors"
)

var (
	// ErrRateLimit means the upstream API answered 429. Providers mark it
	// transient.
	ErrRateLimit = errors.New("nlp: upstream rate limit exceeded")
	// ErrUnauthorized means the API key was rejected. Retrying cannot help.
	ErrUnauthorized = errors.New("nlp: credentials rejected by model API")
	// ErrMalformedOutput is returned when the upstream answer cannot be decoded.
	ErrMalformedOutput = errors.New("nlp: malformed response from model")
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation sent to the model. The JSON form
// is the chat-completions wire format.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID and Name identify the call a RoleTool message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ToolCall is a tool invocation proposed by the model. Arguments is raw JSON
// and is validated by the tool's schema before anything runs.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition offers one tool to the model.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// CompletionRequest is the input to a single inference call. Model falls
// back to the provider default.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature *float64
	// User is an opaque end-user identifier forwarded for upstream abuse
	// tracking.
	User string
}

// CompletionResponse is the output of one inference call. FinishReason is
// "tool_calls" when Message carries calls to run.
type CompletionResponse struct {
	Message      Message
	FinishReason string
	Usage        TokenUsage
}

// TokenUsage is what one call cost, as reported by the upstream API.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Provider is a model backend.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
