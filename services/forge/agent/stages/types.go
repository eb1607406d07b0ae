// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stages implements the stage executors of the Forge pipeline.
//
// Each stage handles one step of a run:
//   - PLAN: Ask the model for a project name and an ordered list of steps
//   - VALIDATE: Ask the model to accept or reject the plan
//   - SCAFFOLD: Create the project layout and its Python environment
//   - IMPLEMENT: Let the model write the files for the current step
//   - TEST: Install requirements and run the test suite
//   - REWORK: Let the model fix the files after a failed test run
//   - ADVANCE: Move the current step to the done list
//
// Thread Safety:
//
//	Stage executors hold no per-run state and are safe for concurrent use
//	across runs. A single ProjectState must only be handed to one stage at
//	a time.
package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianForge/services/forge/agent"
	"github.com/AleutianAI/AleutianForge/services/forge/agent/llm"
	"github.com/AleutianAI/AleutianForge/services/forge/tools"
)

// Options tunes stage behavior.
type Options struct {
	// WorkDir is where project folders are created.
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// TestTimeout bounds one test-suite run. Zero disables the limit.
	TestTimeout time.Duration `json:"test_timeout" yaml:"test_timeout"`

	// MaxFeedbackBytes caps test feedback kept in state. The tail is kept.
	MaxFeedbackBytes int `json:"max_feedback_bytes" yaml:"max_feedback_bytes"`

	// MaxFileBytes caps each file embedded in the rework prompt.
	MaxFileBytes int `json:"max_file_bytes" yaml:"max_file_bytes"`
}

// DefaultOptions returns the stage defaults.
func DefaultOptions() Options {
	return Options{
		WorkDir:          ".",
		TestTimeout:      5 * time.Minute,
		MaxFeedbackBytes: 16 * 1024,
		MaxFileBytes:     64 * 1024,
	}
}

// Dependencies contains everything the stages act through.
//
// Description:
//
//	The model is reached only through Invoker. File, environment and test
//	operations go through the capability interfaces so tests can swap in
//	the in-memory implementations from the tools package.
type Dependencies struct {
	// Invoker performs structured model calls and tool loops.
	Invoker *llm.Invoker

	// FS creates, reads and updates project files.
	FS tools.FileSystem

	// Env manages the project's Python runtime.
	Env tools.Environment

	// Tests runs the project's test suite.
	Tests tools.TestRunner

	// Options tunes stage behavior.
	Options Options
}

// Validate checks that every dependency is present.
func (d *Dependencies) Validate() error {
	var errs []error
	if d.Invoker == nil {
		errs = append(errs, errors.New("invoker is required"))
	}
	if d.FS == nil {
		errs = append(errs, errors.New("file system is required"))
	}
	if d.Env == nil {
		errs = append(errs, errors.New("environment is required"))
	}
	if d.Tests == nil {
		errs = append(errs, errors.New("test runner is required"))
	}
	if d.Options.MaxFeedbackBytes < 0 || d.Options.MaxFileBytes < 0 {
		errs = append(errs, errors.New("byte limits must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", agent.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// NewRegistry builds a registry with every stage wired to deps.
//
// Outputs:
//
//	*agent.StageRegistry - Registry covering all non-terminal stages
//	error - ErrInvalidConfig if a dependency is missing
func NewRegistry(deps *Dependencies) (*agent.StageRegistry, error) {
	if deps == nil {
		return nil, fmt.Errorf("%w: nil dependencies", agent.ErrInvalidConfig)
	}
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	prompts := defaultPrompts()

	reg := agent.NewStageRegistry()
	executors := map[agent.Stage]agent.StageExecutor{
		agent.StagePlan:      NewPlanStage(deps, prompts),
		agent.StageValidate:  NewValidateStage(deps, prompts),
		agent.StageScaffold:  NewScaffoldStage(deps),
		agent.StageImplement: NewImplementStage(deps, prompts),
		agent.StageTest:      NewTestStage(deps),
		agent.StageRework:    NewReworkStage(deps, prompts),
		agent.StageAdvance:   NewAdvanceStage(),
	}
	for stage, exec := range executors {
		if err := reg.Register(stage, exec); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// modelError classifies a model failure under kind, leaving cancellation
// untouched so the orchestrator reports it as such.
func modelError(kind error, what string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", kind, what, err)
}

// envError classifies a capability failure.
func envError(what string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", agent.ErrEnvironment, what, err)
}
