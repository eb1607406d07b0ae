// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the model interface used by the Forge stages.
//
// Client is a single completion with native tool calling. Providers live
// in services/llm and are injected at runtime. Invoker builds the two
// interaction patterns the stages need on top of a Client: a structured
// result with bounded retry, and an agentic tool loop that ends when the
// model submits its result.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package llm

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the llm package.
var (
	// ErrRetriesExhausted indicates every attempt of a model call failed.
	ErrRetriesExhausted = errors.New("model retries exhausted")

	// ErrMalformedResult indicates the model's result did not parse or validate.
	ErrMalformedResult = errors.New("malformed model result")

	// ErrNoResult indicates the model answered without submitting a result.
	ErrNoResult = errors.New("model did not submit a result")

	// ErrToolTurnsExceeded indicates the tool loop hit its turn limit.
	ErrToolTurnsExceeded = errors.New("tool turn limit exceeded")

	// ErrToolRejected marks tool errors that are reported back to the model
	// instead of aborting the loop.
	ErrToolRejected = errors.New("tool call rejected")

	// ErrProviderUnavailable indicates the provider could not be reached.
	ErrProviderUnavailable = errors.New("model provider unavailable")
)

// Client defines the interface for model interactions.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Complete sends a request and returns the model's response.
	Complete(ctx context.Context, request *Request) (*Response, error)

	// Name returns the provider name (e.g., "anthropic", "openai").
	Name() string

	// Model returns the model being used.
	Model() string
}

// ToolChoice specifies how the model should select tools.
type ToolChoice struct {
	// Type is "auto", "any", "tool" or "none".
	Type string `json:"type"`

	// Name is required when Type is "tool".
	Name string `json:"name,omitempty"`
}

// ToolChoiceAuto allows the model to decide whether to call tools.
func ToolChoiceAuto() *ToolChoice {
	return &ToolChoice{Type: "auto"}
}

// ToolChoiceAny forces the model to call at least one tool.
func ToolChoiceAny() *ToolChoice {
	return &ToolChoice{Type: "any"}
}

// ToolChoiceRequired forces the model to call a specific tool by name.
func ToolChoiceRequired(toolName string) *ToolChoice {
	return &ToolChoice{Type: "tool", Name: toolName}
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	// Name is the tool name.
	Name string `json:"name"`

	// Description tells the model what the tool does.
	Description string `json:"description"`

	// Parameters is a JSON Schema object for the arguments.
	Parameters map[string]any `json:"parameters"`
}

// Request represents a completion request.
type Request struct {
	// SystemPrompt is the system message.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Messages is the conversation history.
	Messages []Message `json:"messages"`

	// Tools defines available tools.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// ToolChoice controls tool selection. Nil means "auto".
	ToolChoice *ToolChoice `json:"tool_choice,omitempty"`

	// MaxTokens limits the response length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `json:"temperature,omitempty"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a conversation message.
type Message struct {
	// Role is "user", "assistant" or "tool".
	Role string `json:"role"`

	// Content is the text content.
	Content string `json:"content"`

	// ToolCalls contains tool invocations (assistant messages).
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolResults contains tool results (tool messages).
	ToolResults []ToolCallResult `json:"tool_results,omitempty"`
}

// ToolCall represents a tool invocation by the model.
type ToolCall struct {
	// ID is a unique identifier for this call.
	ID string `json:"id"`

	// Name is the tool name.
	Name string `json:"name"`

	// Arguments are the tool arguments as JSON.
	Arguments string `json:"arguments"`
}

// ToolCallResult contains the result of a tool call.
type ToolCallResult struct {
	// ToolCallID links back to the tool call.
	ToolCallID string `json:"tool_call_id"`

	// Name is the tool that produced the result.
	Name string `json:"name,omitempty"`

	// Content is the result content.
	Content string `json:"content"`

	// IsError indicates if this is an error result.
	IsError bool `json:"is_error,omitempty"`
}

// Response represents a model response.
type Response struct {
	// Content is the text response.
	Content string `json:"content"`

	// ToolCalls contains any tool calls the model wants to make.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// StopReason indicates why generation stopped.
	StopReason string `json:"stop_reason"`

	// InputTokens is the input token count.
	InputTokens int `json:"input_tokens"`

	// OutputTokens is the output token count.
	OutputTokens int `json:"output_tokens"`

	// Duration is how long the request took.
	Duration time.Duration `json:"duration"`

	// Model is the model that generated this response.
	Model string `json:"model,omitempty"`
}

// HasToolCalls returns true if the response contains tool calls.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// ToolExecutor exposes callable tools to a tool loop.
//
// Description:
//
//	Execute returns the text fed back to the model. Errors wrapping
//	ErrToolRejected are reported to the model as error results; any
//	other error aborts the loop.
type ToolExecutor interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, call ToolCall) (string, error)
}
