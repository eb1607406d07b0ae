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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	agentllm "github.com/AleutianAI/AleutianForge/services/forge/agent/llm"
)

type fakeGenerator struct {
	messages []llms.MessageContent
	options  []llms.CallOption
	resp     *llms.ContentResponse
	err      error
}

func (f *fakeGenerator) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	f.options = options
	return f.resp, f.err
}

func textOf(t *testing.T, m llms.MessageContent) string {
	t.Helper()
	require.Len(t, m.Parts, 1)
	part, ok := m.Parts[0].(llms.TextContent)
	require.True(t, ok)
	return part.Text
}

func TestOllamaMessages_Flattening(t *testing.T) {
	msgs := ollamaMessages(toolRequest())
	require.Len(t, msgs, 4)

	assert.Equal(t, llms.ChatMessageTypeSystem, msgs[0].Role)
	assert.Contains(t, textOf(t, msgs[0]), "you write code")
	assert.Contains(t, textOf(t, msgs[0]), "calling the submit_plan tool")

	assert.Equal(t, llms.ChatMessageTypeHuman, msgs[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, msgs[2].Role)
	assert.Contains(t, textOf(t, msgs[2]), "Called tool create_file")
	assert.Equal(t, llms.ChatMessageTypeHuman, msgs[3].Role)
	assert.Contains(t, textOf(t, msgs[3]), "Tool create_file error:\npath already exists")
}

func TestOllamaClient_NativeToolCall(t *testing.T) {
	gen := &fakeGenerator{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		StopReason:     "stop",
		GenerationInfo: map[string]any{"PromptTokens": 20, "CompletionTokens": 4},
		ToolCalls: []llms.ToolCall{{
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: "submit_plan", Arguments: `{"steps":["a"]}`},
		}},
	}}}}
	c := &OllamaClient{llm: gen, model: "qwen"}

	resp, err := c.Complete(context.Background(), toolRequest())
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "ollama-0", resp.ToolCalls[0].ID)
	assert.Equal(t, "submit_plan", resp.ToolCalls[0].Name)
	assert.Equal(t, 20, resp.InputTokens)
	assert.Equal(t, 4, resp.OutputTokens)
	assert.Equal(t, "qwen", resp.Model)
	assert.NotEmpty(t, gen.options)
}

func TestOllamaClient_InlineToolCall(t *testing.T) {
	gen := &fakeGenerator{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content: "```json\n{\"name\": \"submit_plan\", \"arguments\": {\"steps\": [\"a\"]}}\n```",
	}}}}
	c := &OllamaClient{llm: gen, model: "qwen"}

	resp, err := c.Complete(context.Background(), toolRequest())
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "submit_plan", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"steps":["a"]}`, resp.ToolCalls[0].Arguments)
}

func TestOllamaClient_Errors(t *testing.T) {
	c := &OllamaClient{llm: &fakeGenerator{err: errors.New("connection refused")}, model: "qwen"}
	_, err := c.Complete(context.Background(), toolRequest())
	assert.ErrorIs(t, err, agentllm.ErrProviderUnavailable)

	c = &OllamaClient{llm: &fakeGenerator{resp: &llms.ContentResponse{}}, model: "qwen"}
	_, err = c.Complete(context.Background(), toolRequest())
	assert.ErrorIs(t, err, agentllm.ErrMalformedResult)
}

func TestInlineToolCall(t *testing.T) {
	tests := []struct {
		name    string
		content string
		args    string
		ok      bool
	}{
		{"bare object", `{"steps":["a"]}`, `{"steps":["a"]}`, true},
		{"wrapped", `{"name":"submit_plan","arguments":{"x":1}}`, `{"x":1}`, true},
		{"other tool wrapper kept whole", `{"name":"other","arguments":{"x":1}}`, `{"name":"other","arguments":{"x":1}}`, true},
		{"prose", "I cannot do that", "", false},
		{"broken", `{"steps": [`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, ok := inlineToolCall(tt.content, "submit_plan")
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, "submit_plan", call.Name)
				assert.JSONEq(t, tt.args, call.Arguments)
			}
		})
	}
}
