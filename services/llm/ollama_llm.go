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
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/otel/attribute"

	agentllm "github.com/AleutianAI/AleutianForge/services/forge/agent/llm"
)

// contentGenerator is the subset of llms.Model the Ollama client uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// OllamaClient implements agentllm.Client against a local Ollama server.
//
// Description:
//
//	Tool calls go through Ollama's native tool support. Earlier turns of
//	a tool loop are replayed as plain text so models without multi-turn
//	tool history still follow the conversation. When a model answers
//	with a bare JSON object instead of a native call, the object is
//	accepted as a call to the requested tool.
//
// Thread Safety:
//
//	Safe for concurrent use.
type OllamaClient struct {
	llm   contentGenerator
	model string
}

// NewOllamaClient creates an Ollama client for cfg.BaseURL, which
// defaults to DefaultOllamaURL.
func NewOllamaClient(cfg Config) (*OllamaClient, error) {
	model := orDefault(cfg.Model, DefaultOllamaModel)
	baseURL := orDefault(cfg.BaseURL, DefaultOllamaURL)
	opts := []ollama.Option{
		ollama.WithModel(model),
		ollama.WithServerURL(baseURL),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, ollama.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	client, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating ollama client: %w", err)
	}
	slog.Info("Initializing Ollama client",
		slog.String("model", model),
		slog.String("base_url", baseURL))
	return &OllamaClient{llm: client, model: model}, nil
}

// Name implements agentllm.Client.
func (o *OllamaClient) Name() string { return ProviderOllama }

// Model implements agentllm.Client.
func (o *OllamaClient) Model() string { return o.model }

// Complete implements agentllm.Client.
func (o *OllamaClient) Complete(ctx context.Context, req *agentllm.Request) (resp *agentllm.Response, err error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Complete")
	defer func() { finishSpan(span, err) }()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(req.Messages)),
	)

	var opts []llms.CallOption
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}
	if len(req.Tools) > 0 {
		opts = append(opts, llms.WithTools(ollamaTools(req.Tools)))
	}

	start := time.Now()
	out, err := o.llm.GenerateContent(ctx, ollamaMessages(req), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: ollama: %v", agentllm.ErrProviderUnavailable, err)
	}
	if out == nil || len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: ollama returned no choices", agentllm.ErrMalformedResult)
	}

	choice := out.Choices[0]
	resp = &agentllm.Response{
		Content:      choice.Content,
		StopReason:   choice.StopReason,
		InputTokens:  generationInt(choice.GenerationInfo, "PromptTokens"),
		OutputTokens: generationInt(choice.GenerationInfo, "CompletionTokens"),
		Duration:     time.Since(start),
		Model:        o.model,
	}
	for i, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("ollama-%d", i)
		}
		resp.ToolCalls = append(resp.ToolCalls, agentllm.ToolCall{
			ID:        id,
			Name:      tc.FunctionCall.Name,
			Arguments: tc.FunctionCall.Arguments,
		})
	}
	if len(resp.ToolCalls) == 0 && req.ToolChoice != nil && req.ToolChoice.Type == "tool" {
		if call, ok := inlineToolCall(choice.Content, req.ToolChoice.Name); ok {
			resp.ToolCalls = []agentllm.ToolCall{call}
		}
	}
	span.SetAttributes(attribute.Int("llm.tool_calls", len(resp.ToolCalls)))
	return resp, nil
}

// ollamaMessages flattens the conversation into text messages. A forced
// tool choice becomes an instruction in the system prompt.
func ollamaMessages(req *agentllm.Request) []llms.MessageContent {
	system := req.SystemPrompt
	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "tool":
			system += fmt.Sprintf("\n\nYou must respond by calling the %s tool.", req.ToolChoice.Name)
		case "any":
			system += "\n\nYou must respond by calling one of the available tools."
		}
	}

	var out []llms.MessageContent
	if s := strings.TrimSpace(system); s != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, s))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case agentllm.RoleAssistant:
			var sb strings.Builder
			sb.WriteString(m.Content)
			for _, tc := range m.ToolCalls {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				fmt.Fprintf(&sb, "Called tool %s with %s", tc.Name, tc.Arguments)
			}
			out = append(out, llms.TextParts(llms.ChatMessageTypeAI, sb.String()))
		case agentllm.RoleTool:
			var sb strings.Builder
			for i, r := range m.ToolResults {
				if i > 0 {
					sb.WriteString("\n\n")
				}
				status := "result"
				if r.IsError {
					status = "error"
				}
				fmt.Fprintf(&sb, "Tool %s %s:\n%s", r.Name, status, r.Content)
			}
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, sb.String()))
		default:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		}
	}
	return out
}

func ollamaTools(defs []agentllm.ToolDefinition) []llms.Tool {
	out := make([]llms.Tool, 0, len(defs))
	for _, def := range defs {
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return out
}

// inlineToolCall accepts a JSON object in the text content as the
// arguments of tool. Markdown fences and a {"name","arguments"} wrapper
// are both tolerated.
func inlineToolCall(content, tool string) (agentllm.ToolCall, bool) {
	text := strings.TrimSpace(content)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return agentllm.ToolCall{}, false
	}
	text = text[start : end+1]

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return agentllm.ToolCall{}, false
	}
	args := text
	if raw, ok := obj["arguments"]; ok {
		var name string
		if n, ok := obj["name"]; ok {
			_ = json.Unmarshal(n, &name)
		}
		if name == "" || name == tool {
			args = string(raw)
		}
	}
	return agentllm.ToolCall{ID: "ollama-inline", Name: tool, Arguments: args}, true
}

func generationInt(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
