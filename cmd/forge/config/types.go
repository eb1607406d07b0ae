// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the forge CLI configuration.
package config

import (
	"time"

	"github.com/AleutianAI/AleutianForge/services/forge/agent"
	"github.com/AleutianAI/AleutianForge/services/forge/agent/llm"
	"github.com/AleutianAI/AleutianForge/services/forge/agent/stages"
	"github.com/AleutianAI/AleutianForge/services/forge/server"
	"github.com/AleutianAI/AleutianForge/services/forge/telemetry"
	providers "github.com/AleutianAI/AleutianForge/services/llm"
)

// CurrentConfigVersion is written into new config files.
const CurrentConfigVersion = "1"

// ForgeConfig is the root of forge.yaml.
type ForgeConfig struct {
	Meta       MetaConfig       `yaml:"meta"`
	Model      ModelConfig      `yaml:"model"`
	Agent      AgentConfig      `yaml:"agent"`
	Invoker    InvokerConfig    `yaml:"invoker"`
	Stages     StagesConfig     `yaml:"stages"`
	Python     PythonConfig     `yaml:"python"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	Server     server.Config    `yaml:"server"`
}

type MetaConfig struct {
	Version string `yaml:"version"`
}

// ModelConfig selects the model provider.
type ModelConfig struct {
	// Provider is openai, anthropic or ollama.
	Provider string `yaml:"provider" validate:"required,oneof=openai anthropic ollama"`

	// Name is the provider's model name. Empty selects the provider default.
	Name string `yaml:"name"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url,omitempty" validate:"omitempty,url"`

	// APIKey is never written to disk. It comes from the environment.
	APIKey string `yaml:"-"`

	// Timeout bounds one HTTP request to the provider.
	Timeout time.Duration `yaml:"timeout" validate:"min=0"`
}

// AgentConfig holds the orchestrator loop limits.
type AgentConfig struct {
	RecursionLimit    int `yaml:"recursion_limit" validate:"min=1"`
	MaxReworksPerStep int `yaml:"max_reworks_per_step" validate:"min=0"`
}

// InvokerConfig tunes model calls.
type InvokerConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" validate:"min=1"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" validate:"min=0"`
	MaxBackoff        time.Duration `yaml:"max_backoff" validate:"min=0"`
	MaxToolTurns      int           `yaml:"max_tool_turns" validate:"min=1"`
	MaxTokens         int           `yaml:"max_tokens" validate:"min=1"`
	Temperature       float64       `yaml:"temperature" validate:"min=0,max=2"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"min=0"`
}

// StagesConfig tunes stage behavior.
type StagesConfig struct {
	// WorkDir is where project folders are created.
	WorkDir          string        `yaml:"work_dir" validate:"required"`
	TestTimeout      time.Duration `yaml:"test_timeout" validate:"min=0"`
	MaxFeedbackBytes int           `yaml:"max_feedback_bytes" validate:"min=0"`
	MaxFileBytes     int           `yaml:"max_file_bytes" validate:"min=0"`
}

// PythonConfig configures the generated project's runtime.
type PythonConfig struct {
	// Interpreter creates virtual environments.
	Interpreter    string        `yaml:"interpreter" validate:"required"`
	InstallTimeout time.Duration `yaml:"install_timeout" validate:"min=0"`
}

// CheckpointConfig configures the run store.
type CheckpointConfig struct {
	// Path is the BadgerDB directory.
	Path string `yaml:"path" validate:"required"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() ForgeConfig {
	agentDefaults := agent.DefaultConfig()
	invoker := llm.DefaultInvokerConfig()
	stageDefaults := stages.DefaultOptions()
	return ForgeConfig{
		Meta: MetaConfig{Version: CurrentConfigVersion},
		Model: ModelConfig{
			Provider: providers.ProviderOllama,
			Name:     providers.DefaultOllamaModel,
			Timeout:  5 * time.Minute,
		},
		Agent: AgentConfig{
			RecursionLimit:    agentDefaults.RecursionLimit,
			MaxReworksPerStep: agentDefaults.MaxReworksPerStep,
		},
		Invoker: InvokerConfig{
			MaxAttempts:    invoker.MaxAttempts,
			InitialBackoff: invoker.InitialInterval,
			MaxBackoff:     invoker.MaxInterval,
			MaxToolTurns:   invoker.MaxToolTurns,
			MaxTokens:      invoker.MaxTokens,
			Temperature:    invoker.Temperature,
		},
		Stages: StagesConfig{
			WorkDir:          "~/.aleutian/forge/projects",
			TestTimeout:      stageDefaults.TestTimeout,
			MaxFeedbackBytes: stageDefaults.MaxFeedbackBytes,
			MaxFileBytes:     stageDefaults.MaxFileBytes,
		},
		Python: PythonConfig{
			Interpreter:    "python3",
			InstallTimeout: 10 * time.Minute,
		},
		Checkpoint: CheckpointConfig{Path: "~/.aleutian/forge/runs"},
		Logging:    LoggingConfig{Level: "info", Dir: "~/.aleutian/logs"},
		Telemetry:  telemetry.DefaultConfig(),
		Server:     server.DefaultConfig(),
	}
}

// ProviderConfig converts the model section for services/llm.
func (c ForgeConfig) ProviderConfig() providers.Config {
	return providers.Config{
		Provider: c.Model.Provider,
		Model:    c.Model.Name,
		BaseURL:  c.Model.BaseURL,
		APIKey:   c.Model.APIKey,
		Timeout:  c.Model.Timeout,
	}
}

// OrchestratorConfig converts the loop limits for the orchestrator.
func (c ForgeConfig) OrchestratorConfig() agent.Config {
	return agent.Config{
		RecursionLimit:    c.Agent.RecursionLimit,
		MaxReworksPerStep: c.Agent.MaxReworksPerStep,
	}
}

// InvokerOptions converts the invoker section.
func (c ForgeConfig) InvokerOptions() llm.InvokerConfig {
	cfg := llm.DefaultInvokerConfig()
	cfg.MaxAttempts = c.Invoker.MaxAttempts
	cfg.InitialInterval = c.Invoker.InitialBackoff
	cfg.MaxInterval = c.Invoker.MaxBackoff
	cfg.MaxToolTurns = c.Invoker.MaxToolTurns
	cfg.MaxTokens = c.Invoker.MaxTokens
	cfg.Temperature = c.Invoker.Temperature
	cfg.RequestsPerSecond = c.Invoker.RequestsPerSecond
	return cfg
}

// StageOptions converts the stages section. WorkDir must already be
// expanded by the caller.
func (c ForgeConfig) StageOptions() stages.Options {
	return stages.Options{
		WorkDir:          c.Stages.WorkDir,
		TestTimeout:      c.Stages.TestTimeout,
		MaxFeedbackBytes: c.Stages.MaxFeedbackBytes,
		MaxFileBytes:     c.Stages.MaxFileBytes,
	}
}
