// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stages

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/AleutianAI/AleutianForge/services/forge/agent"
	"github.com/AleutianAI/AleutianForge/services/forge/agent/llm"
)

// PlanStage generates or revises the development plan.
type PlanStage struct {
	deps    *Dependencies
	prompts *PromptSet
}

// NewPlanStage creates the PLAN executor.
func NewPlanStage(deps *Dependencies, prompts *PromptSet) *PlanStage {
	return &PlanStage{deps: deps, prompts: prompts}
}

// Name implements agent.StageExecutor.
func (s *PlanStage) Name() string { return "plan" }

// Execute implements agent.StageExecutor.
//
// Description:
//
//	Renders the fresh or revision prompt depending on the state's plan
//	request, asks the model for a PlanResult and installs it with
//	ResetPlan. The model is retried by the Invoker; exhaustion is
//	reported as ErrPlanning.
//
// Outputs:
//
//	agent.StageOutput - agent.PlanOutput
//	error - ErrPlanning wrapping the model failure
func (s *PlanStage) Execute(ctx context.Context, state *agent.ProjectState) (agent.StageOutput, error) {
	data := planPromptData{ResultTool: planSpec.Name}
	tmpl := TemplatePlanFresh
	revision := false

	switch req := state.PlanRequest().(type) {
	case agent.RevisionPlan:
		tmpl = TemplatePlanRevision
		revision = true
		data.Description = req.Description
		data.Feedback = req.Feedback
		data.PriorSteps = req.PriorSteps
	case agent.FreshPlan:
		data.Description = req.Description
	}

	user, err := s.prompts.Render(tmpl, data)
	if err != nil {
		return nil, err
	}

	var result PlanResult
	prompt := llm.Prompt{System: s.prompts.System(), User: user}
	if err := s.deps.Invoker.Invoke(ctx, prompt, planSpec, &result); err != nil {
		return nil, modelError(agent.ErrPlanning, "generate plan", err)
	}

	state.ResetPlan(result.Steps)
	state.ProjectName = result.ProjectName
	state.PlanDescription = result.Description

	slog.Info("Plan generated",
		slog.String("project", result.ProjectName),
		slog.Int("steps", len(result.Steps)),
		slog.Bool("revision", revision),
	)

	return agent.PlanOutput{
		ProjectName: result.ProjectName,
		Description: result.Description,
		Steps:       slices.Clone(state.PlanSteps),
		Revision:    revision,
	}, nil
}

// ValidateStage asks the model to review the current plan.
type ValidateStage struct {
	deps    *Dependencies
	prompts *PromptSet
}

// NewValidateStage creates the VALIDATE executor.
func NewValidateStage(deps *Dependencies, prompts *PromptSet) *ValidateStage {
	return &ValidateStage{deps: deps, prompts: prompts}
}

// Name implements agent.StageExecutor.
func (s *ValidateStage) Name() string { return "validate" }

// Execute implements agent.StageExecutor.
func (s *ValidateStage) Execute(ctx context.Context, state *agent.ProjectState) (agent.StageOutput, error) {
	if len(state.PlanSteps) == 0 {
		return nil, fmt.Errorf("%w: no plan to validate", agent.ErrInvariantViolation)
	}

	user, err := s.prompts.Render(TemplateValidate, validatePromptData{
		Description:     state.SoftwareDescription,
		ProjectName:     state.ProjectName,
		PlanDescription: state.PlanDescription,
		Steps:           state.PlanSteps,
		ResultTool:      validationSpec.Name,
	})
	if err != nil {
		return nil, err
	}

	var result ValidationResult
	prompt := llm.Prompt{System: s.prompts.System(), User: user}
	if err := s.deps.Invoker.Invoke(ctx, prompt, validationSpec, &result); err != nil {
		return nil, modelError(agent.ErrPlanning, "validate plan", err)
	}

	ok := result.Accepted()
	state.SetPlanVerdict(ok, result.Feedback)

	slog.Info("Plan validated",
		slog.Bool("ok", ok),
		slog.String("project", state.ProjectName),
	)

	return agent.ValidationOutput{OK: ok, Feedback: result.Feedback}, nil
}
