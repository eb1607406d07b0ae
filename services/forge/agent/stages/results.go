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
	"errors"
	"strings"

	"github.com/AleutianAI/AleutianForge/services/forge/agent"
	"github.com/AleutianAI/AleutianForge/services/forge/agent/llm"
)

// Result tool names.
const (
	SubmitPlan           = "submit_plan"
	SubmitValidation     = "submit_validation"
	SubmitImplementation = "submit_implementation"
	SubmitRework         = "submit_rework"
)

// PlanResult is the structured plan returned by the model.
type PlanResult struct {
	ProjectName string   `json:"project_name" validate:"required"`
	Description string   `json:"description"`
	Steps       []string `json:"steps" validate:"min=1"`
}

// Validate trims the steps and drops blank ones. A plan with no steps
// left is malformed.
func (r *PlanResult) Validate() error {
	steps := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		if s = strings.TrimSpace(s); s != "" {
			steps = append(steps, s)
		}
	}
	if len(steps) == 0 {
		return errors.New("plan has no non-empty steps")
	}
	r.Steps = steps
	r.ProjectName = strings.TrimSpace(r.ProjectName)
	return nil
}

// ValidationResult is the model's verdict on a plan. A reply without
// is_ok is malformed and retried rather than read as a rejection.
type ValidationResult struct {
	IsOK     *bool  `json:"is_ok" validate:"required"`
	Feedback string `json:"feedback"`
}

// NewVerdict builds a ValidationResult.
func NewVerdict(ok bool, feedback string) ValidationResult {
	return ValidationResult{IsOK: &ok, Feedback: feedback}
}

// Accepted reports the verdict. A missing verdict is not accepted.
func (r ValidationResult) Accepted() bool {
	return r.IsOK != nil && *r.IsOK
}

// ImplementResult reports the files written for a step.
type ImplementResult struct {
	Description        string            `json:"description" validate:"required"`
	ChangedSourceFiles []agent.FileEntry `json:"changed_source_files" validate:"dive"`
	ChangedTestFiles   []agent.FileEntry `json:"changed_test_files" validate:"dive"`
	EntryPoint         string            `json:"entry_point"`
	Requirements       []string          `json:"requirements"`
}

// ReworkResult reports a rework pass.
type ReworkResult struct {
	Description  string   `json:"description" validate:"required"`
	Requirements []string `json:"requirements"`
}

var fileListSchema = map[string]any{
	"type": "array",
	"items": map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":        map[string]any{"type": "string", "description": "Path relative to the project folder"},
			"description": map[string]any{"type": "string", "description": "One line describing the file"},
		},
		"required": []string{"path", "description"},
	},
}

var stringListSchema = map[string]any{
	"type":  "array",
	"items": map[string]any{"type": "string"},
}

var planSpec = llm.ResultSpec{
	Name:        SubmitPlan,
	Description: "Submit the development plan.",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"project_name": map[string]any{"type": "string", "description": "Short snake_case project name"},
			"description":  map[string]any{"type": "string", "description": "Overall approach"},
			"steps":        stringListSchema,
		},
		"required": []string{"project_name", "description", "steps"},
	},
}

var validationSpec = llm.ResultSpec{
	Name:        SubmitValidation,
	Description: "Submit the plan review verdict.",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"is_ok":    map[string]any{"type": "boolean", "description": "True if the plan is accepted"},
			"feedback": map[string]any{"type": "string", "description": "What must change when rejected"},
		},
		"required": []string{"is_ok", "feedback"},
	},
}

var implementSpec = llm.ResultSpec{
	Name:        SubmitImplementation,
	Description: "Submit the summary of the implemented step. Call once all files are written.",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"description":          map[string]any{"type": "string", "description": "What was implemented"},
			"changed_source_files": fileListSchema,
			"changed_test_files":   fileListSchema,
			"entry_point":          map[string]any{"type": "string", "description": "Command that runs the program"},
			"requirements":         stringListSchema,
		},
		"required": []string{"description", "changed_source_files", "changed_test_files", "entry_point", "requirements"},
	},
}

var reworkSpec = llm.ResultSpec{
	Name:        SubmitRework,
	Description: "Submit the summary of the fix. Call once all files are updated.",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"description":  map[string]any{"type": "string", "description": "What was fixed"},
			"requirements": stringListSchema,
		},
		"required": []string{"description", "requirements"},
	},
}
