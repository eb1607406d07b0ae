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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"

	agentllm "github.com/AleutianAI/AleutianForge/services/forge/agent/llm"
)

// defaultAnthropicMaxTokens applies when a request leaves MaxTokens unset;
// the Messages API requires a value.
const defaultAnthropicMaxTokens = 8192

// AnthropicClient implements agentllm.Client with the Messages API.
//
// Thread Safety:
//
//	Safe for concurrent use.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient creates an Anthropic client. The key comes from cfg,
// ANTHROPIC_API_KEY or the anthropic_api_key secret. SDK retries are
// disabled because the invoker owns the retry policy.
func NewAnthropicClient(cfg Config) (*AnthropicClient, error) {
	apiKey, err := resolveAPIKey(cfg.APIKey, "ANTHROPIC_API_KEY", "anthropic_api_key")
	if err != nil {
		return nil, err
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	model := orDefault(cfg.Model, DefaultAnthropicModel)
	slog.Info("Initializing Anthropic client", slog.String("model", model))
	return &AnthropicClient{client: anthropic.NewClient(opts...), model: model}, nil
}

// Name implements agentllm.Client.
func (a *AnthropicClient) Name() string { return ProviderAnthropic }

// Model implements agentllm.Client.
func (a *AnthropicClient) Model() string { return a.model }

// Complete implements agentllm.Client.
func (a *AnthropicClient) Complete(ctx context.Context, req *agentllm.Request) (resp *agentllm.Response, err error) {
	ctx, span := tracer.Start(ctx, "AnthropicClient.Complete")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(
		attribute.String("llm.model", a.model),
		attribute.Int("llm.num_messages", len(req.Messages)),
	)

	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	resp = &agentllm.Response{
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		Duration:     time.Since(start),
		Model:        string(msg.Model),
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, agentllm.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	span.SetAttributes(
		attribute.Int("llm.input_tokens", resp.InputTokens),
		attribute.Int("llm.output_tokens", resp.OutputTokens),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
	)
	return resp, nil
}

func (a *AnthropicClient) buildParams(req *agentllm.Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	for _, m := range req.Messages {
		mp, err := anthropicMessage(m)
		if err != nil {
			return params, err
		}
		params.Messages = append(params.Messages, mp)
	}

	for _, def := range req.Tools {
		props, required := schemaParts(def.Parameters)
		tool := &anthropic.ToolParam{
			Name: def.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: props,
				Required:   required,
			},
		}
		if def.Description != "" {
			tool.Description = anthropic.String(def.Description)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: tool})
	}
	if len(params.Tools) > 0 && req.ToolChoice != nil {
		params.ToolChoice = anthropicToolChoice(req.ToolChoice)
	}
	return params, nil
}

func anthropicMessage(m agentllm.Message) (anthropic.MessageParam, error) {
	switch m.Role {
	case agentllm.RoleAssistant:
		var blocks []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			input := json.RawMessage(tc.Arguments)
			if !json.Valid(input) {
				return anthropic.MessageParam{}, fmt.Errorf("%w: tool call %s has invalid arguments", agentllm.ErrMalformedResult, tc.ID)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		return anthropic.NewAssistantMessage(blocks...), nil
	case agentllm.RoleTool:
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolResults))
		for _, r := range m.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(r.ToolCallID, r.Content, r.IsError))
		}
		return anthropic.NewUserMessage(blocks...), nil
	default:
		return anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)), nil
	}
}

func anthropicToolChoice(tc *agentllm.ToolChoice) anthropic.ToolChoiceUnionParam {
	switch tc.Type {
	case "tool":
		return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: tc.Name}}
	case "any":
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	case "none":
		return anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	default:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}
}
