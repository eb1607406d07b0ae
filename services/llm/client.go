// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides model provider adapters for the Forge agent.
//
// Each adapter implements agentllm.Client for one backend: OpenAI through
// go-openai, Anthropic through the official SDK and Ollama through
// langchaingo. New selects one from a Config.
package llm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	agentllm "github.com/AleutianAI/AleutianForge/services/forge/agent/llm"
)

// Provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

var (
	// ErrUnknownProvider indicates an unsupported provider name.
	ErrUnknownProvider = errors.New("unknown model provider")

	// ErrMissingAPIKey indicates a hosted provider without credentials.
	ErrMissingAPIKey = errors.New("API key required")
)

var tracer = otel.Tracer("aleutian.forge.llm")

// Config selects and configures a provider.
type Config struct {
	// Provider is one of openai, anthropic or ollama.
	Provider string `yaml:"provider" json:"provider"`

	// Model is the provider's model name. Empty selects the default.
	Model string `yaml:"model" json:"model"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url" json:"base_url"`

	// APIKey is the credential for hosted providers. When empty the
	// provider's environment variable or container secret is used.
	APIKey string `yaml:"-" json:"-"`

	// Timeout bounds a single HTTP request.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Default models per provider.
const (
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-sonnet-4-5"
	DefaultOllamaModel    = "qwen2.5-coder"
	DefaultOllamaURL      = "http://localhost:11434"
)

// New creates the client for cfg.Provider.
//
// Outputs:
//
//	agentllm.Client - The provider client
//	error - ErrUnknownProvider, ErrMissingAPIKey or a construction error
func New(cfg Config) (agentllm.Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI:
		return NewOpenAIClient(cfg)
	case ProviderAnthropic:
		return NewAnthropicClient(cfg)
	case ProviderOllama:
		return NewOllamaClient(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// resolveAPIKey returns explicit, then $envVar, then the Podman secret
// /run/secrets/<secret>.
func resolveAPIKey(explicit, envVar, secret string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return v, nil
	}
	secretPath := "/run/secrets/" + secret
	if data, err := os.ReadFile(secretPath); err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			slog.Info("Read API key from container secret", slog.String("path", secretPath))
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: set %s", ErrMissingAPIKey, envVar)
}

// finishSpan records the outcome of a provider call on span.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// schemaParts splits a JSON Schema object into properties and required.
func schemaParts(schema map[string]any) (map[string]any, []string) {
	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	var required []string
	switch r := schema["required"].(type) {
	case []string:
		required = r
	case []any:
		for _, v := range r {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	return props, required
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
