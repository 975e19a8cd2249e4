// Package adapters implements the client-facing chat-completion protocol.
//
// DESIGN: The gateway exposes the OpenAI Chat Completions wire format. This
// package owns everything that touches that format:
//
//   - types.go:  request/response types and role constants
//   - openai.go: request parsing, validation and content flattening
//   - chunks.go: streaming chunk, completion and error body builders
//
// Nothing in here knows about the upstream protocol. The translation lives in
// internal/transform (requests) and internal/stream (responses).
package adapters

import (
	"encoding/json"
	"fmt"
)

// Roles accepted by the client protocol.
const (
	RoleSystem    = "system"
	RoleDeveloper = "developer" // treated as system
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons emitted to the client.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
)

// ChatRequest is a client chat-completion request.
type ChatRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Tools         []Tool         `json:"tools,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
}

// StreamOptions mirrors the client protocol's stream_options object.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// Message is one entry of the client message list.
//
// Content is kept raw because the client protocol allows both a plain string
// and an array of typed parts. Text holds the flattened form after parsing.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`

	Text string `json:"-"`
}

// IsSystem reports whether the message carries system instructions.
func (m *Message) IsSystem() bool {
	return m.Role == RoleSystem || m.Role == RoleDeveloper
}

// Tool is a client tool definition.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a structured tool invocation produced by the assistant.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction holds the called function name and its JSON arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage reports token totals in client-protocol terms.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ValidationError is returned for malformed client requests. It is never
// forwarded upstream.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid request: %s", e.Message)
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
