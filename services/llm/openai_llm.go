// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"

	agentllm "github.com/AleutianAI/AleutianForge/services/forge/agent/llm"
)

// OpenAIClient implements agentllm.Client with the chat completions API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates an OpenAI client. The key comes from cfg,
// OPENAI_API_KEY or the openai_api_key secret.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	apiKey, err := resolveAPIKey(cfg.APIKey, "OPENAI_API_KEY", "openai_api_key")
	if err != nil {
		return nil, err
	}
	oc := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	model := orDefault(cfg.Model, DefaultOpenAIModel)
	slog.Info("Initializing OpenAI client", slog.String("model", model))
	return &OpenAIClient{client: openai.NewClientWithConfig(oc), model: model}, nil
}

// Name implements agentllm.Client.
func (o *OpenAIClient) Name() string { return ProviderOpenAI }

// Model implements agentllm.Client.
func (o *OpenAIClient) Model() string { return o.model }

// Complete implements agentllm.Client.
func (o *OpenAIClient) Complete(ctx context.Context, req *agentllm.Request) (resp *agentllm.Response, err error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Complete")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(req.Messages)),
	)

	start := time.Now()
	out, err := o.client.CreateChatCompletion(ctx, o.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai returned no choices", agentllm.ErrMalformedResult)
	}

	choice := out.Choices[0]
	resp = &agentllm.Response{
		Content:      choice.Message.Content,
		StopReason:   string(choice.FinishReason),
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		Duration:     time.Since(start),
		Model:        out.Model,
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, agentllm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	span.SetAttributes(
		attribute.Int("llm.input_tokens", resp.InputTokens),
		attribute.Int("llm.output_tokens", resp.OutputTokens),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
	)
	return resp, nil
}

func (o *OpenAIClient) buildRequest(req *agentllm.Request) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:               o.model,
		Temperature:         float32(req.Temperature),
		MaxCompletionTokens: req.MaxTokens,
	}
	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, openAIMessages(m)...)
	}
	for _, def := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	if len(out.Tools) > 0 && req.ToolChoice != nil {
		out.ToolChoice = openAIToolChoice(req.ToolChoice)
	}
	return out
}

// openAIMessages converts one message. Tool results become one message
// per call.
func openAIMessages(m agentllm.Message) []openai.ChatCompletionMessage {
	switch m.Role {
	case agentllm.RoleAssistant:
		msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:       tc.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		return []openai.ChatCompletionMessage{msg}
	case agentllm.RoleTool:
		out := make([]openai.ChatCompletionMessage, 0, len(m.ToolResults))
		for _, r := range m.ToolResults {
			content := r.Content
			if r.IsError {
				content = "ERROR: " + content
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				Name:       r.Name,
				ToolCallID: r.ToolCallID,
			})
		}
		return out
	default:
		return []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: m.Content}}
	}
}

func openAIToolChoice(tc *agentllm.ToolChoice) any {
	switch tc.Type {
	case "tool":
		return openai.ToolChoice{Type: openai.ToolTypeFunction, Function: openai.ToolFunction{Name: tc.Name}}
	case "any":
		return "required"
	case "none":
		return "none"
	default:
		return "auto"
	}
}
