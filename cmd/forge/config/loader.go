// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
	providers "github.com/AleutianAI/AleutianForge/services/llm"
)

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid forge configuration")

// Environment overrides.
const (
	EnvProvider      = "FORGE_PROVIDER"
	EnvModel         = "FORGE_MODEL"
	EnvWorkDir       = "FORGE_WORKDIR"
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvAnthropicKey  = "ANTHROPIC_API_KEY"
	EnvOllamaBaseURL = "OLLAMA_BASE_URL"
)

// DefaultPath returns ~/.aleutian/forge.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", "forge.yaml"), nil
}

// Load reads the config file at path, or DefaultPath when path is empty.
//
// Description:
//
//	A missing file is created with DefaultConfig first. Keys absent from
//	the file keep their defaults. Environment overrides are applied, ~ is
//	expanded in paths and the result is validated.
//
// Outputs:
//
//	*ForgeConfig - The loaded configuration
//	error - Read, parse or ErrInvalidConfig errors
func Load(path string) (*ForgeConfig, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Info("First run detected, creating the config", slog.String("path", path))
		if err := createDefault(path); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}

	cfg.ApplyEnv(os.Getenv)
	cfg.ExpandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ApplyEnv applies the environment overrides read through getenv.
func (c *ForgeConfig) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvProvider); v != "" {
		c.SetProvider(v, getenv)
	}
	if v := getenv(EnvModel); v != "" {
		c.Model.Name = v
	}
	if v := getenv(EnvWorkDir); v != "" {
		c.Stages.WorkDir = v
	}
	c.applyProviderEnv(getenv)
}

// SetProvider switches the model provider. The old provider's model name,
// endpoint and key are dropped and the new provider's are read through
// getenv.
func (c *ForgeConfig) SetProvider(provider string, getenv func(string) string) {
	provider = strings.ToLower(provider)
	if provider == c.Model.Provider {
		return
	}
	c.Model.Provider = provider
	c.Model.Name = ""
	c.Model.BaseURL = ""
	c.Model.APIKey = ""
	c.applyProviderEnv(getenv)
}

func (c *ForgeConfig) applyProviderEnv(getenv func(string) string) {
	switch c.Model.Provider {
	case providers.ProviderOpenAI:
		if c.Model.APIKey == "" {
			c.Model.APIKey = getenv(EnvOpenAIKey)
		}
	case providers.ProviderAnthropic:
		if c.Model.APIKey == "" {
			c.Model.APIKey = getenv(EnvAnthropicKey)
		}
	case providers.ProviderOllama:
		if v := getenv(EnvOllamaBaseURL); v != "" {
			c.Model.BaseURL = v
		}
	}
}

// ExpandPaths expands a leading ~ in every path setting.
func (c *ForgeConfig) ExpandPaths() {
	c.Stages.WorkDir = logging.ExpandHome(c.Stages.WorkDir)
	c.Checkpoint.Path = logging.ExpandHome(c.Checkpoint.Path)
	c.Logging.Dir = logging.ExpandHome(c.Logging.Dir)
}

// Validate checks the struct tags.
func (c *ForgeConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
