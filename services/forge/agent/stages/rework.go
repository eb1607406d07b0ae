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
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianForge/services/forge/agent"
	"github.com/AleutianAI/AleutianForge/services/forge/agent/llm"
	"github.com/AleutianAI/AleutianForge/services/forge/tools"
)

// ReworkStage lets the model fix the project after a failed test run.
type ReworkStage struct {
	deps    *Dependencies
	prompts *PromptSet
}

// NewReworkStage creates the REWORK executor.
func NewReworkStage(deps *Dependencies, prompts *PromptSet) *ReworkStage {
	return &ReworkStage{deps: deps, prompts: prompts}
}

// Name implements agent.StageExecutor.
func (s *ReworkStage) Name() string { return "rework" }

// Execute implements agent.StageExecutor.
//
// Description:
//
//	Embeds the test output and the current content of every file under
//	the source and test folders in the prompt, then runs a tool loop limited to read_file and
//	update_file. Each path can be written once per pass. Requirements
//	are unioned into the state and ReworkCount is incremented.
//
// Outputs:
//
//	agent.StageOutput - agent.ReworkOutput
//	error - ErrModel for model failures, ErrEnvironment for file failures
func (s *ReworkStage) Execute(ctx context.Context, state *agent.ProjectState) (agent.StageOutput, error) {
	if !state.IsScaffolded() {
		return nil, fmt.Errorf("%w: rework before scaffold", agent.ErrInvariantViolation)
	}

	files, err := s.readProjectFiles(ctx, state)
	if err != nil {
		return nil, err
	}

	feedback := ""
	if state.TestFeedback != nil {
		feedback = *state.TestFeedback
	}
	step, _ := state.HeadStep()

	user, err := s.prompts.Render(TemplateRework, reworkPromptData{
		Description:     state.SoftwareDescription,
		ProjectFolder:   state.ProjectFolder,
		Step:            step,
		StepDescription: state.CurrentStepDescription,
		TestFeedback:    feedback,
		Files:           files,
		ResultTool:      reworkSpec.Name,
	})
	if err != nil {
		return nil, err
	}

	box := tools.NewToolbox(s.deps.FS,
		tools.WithBaseDir(state.ProjectFolder),
		tools.WithTools(tools.ToolReadFile, tools.ToolUpdateFile),
		tools.WithSingleWrite(),
	)
	var result ReworkResult
	prompt := llm.Prompt{System: s.prompts.System(), User: user}
	if err := s.deps.Invoker.RunTools(ctx, prompt, box, reworkSpec, &result); err != nil {
		return nil, toolLoopError(agent.ErrModel, "rework", err)
	}

	state.Requirements.Add(result.Requirements...)
	state.ReworkDescription = result.Description
	state.ReworkCount++

	slog.Info("Rework applied",
		slog.String("step", step),
		slog.Int("attempt", state.ReworkCount),
		slog.Int("files_updated", len(box.Written())),
	)

	return agent.ReworkOutput{
		Description:  result.Description,
		Requirements: state.Requirements.Sorted(),
		Attempt:      state.ReworkCount,
	}, nil
}

// readProjectFiles loads every file under the source and test folders,
// including ones the model wrote without reporting them, followed by any
// tracked file that lives elsewhere. Tracked files that no longer exist
// are skipped.
func (s *ReworkStage) readProjectFiles(ctx context.Context, state *agent.ProjectState) ([]fileContent, error) {
	var paths []string
	seen := make(map[string]bool)
	add := func(rel string) {
		if !seen[rel] {
			seen[rel] = true
			paths = append(paths, rel)
		}
	}

	for _, dir := range []string{state.SourceFolder, state.TestFolder} {
		if dir == "" {
			continue
		}
		listed, err := s.deps.FS.ListFiles(ctx, dir)
		if err != nil {
			if errors.Is(err, tools.ErrNotFound) {
				slog.Warn("Project folder missing", slog.String("path", dir))
				continue
			}
			return nil, envError("list "+dir, err)
		}
		for _, abs := range listed {
			rel, err := filepath.Rel(state.ProjectFolder, abs)
			if err != nil {
				return nil, envError("list "+dir, err)
			}
			add(filepath.ToSlash(rel))
		}
	}
	for _, rel := range append(state.SourceFiles.Paths(), state.TestFiles.Paths()...) {
		add(rel)
	}

	files := make([]fileContent, 0, len(paths))
	for _, rel := range paths {
		if skipEmbedded(rel) {
			continue
		}
		content, err := s.deps.FS.ReadFile(ctx, filepath.Join(state.ProjectFolder, filepath.FromSlash(rel)))
		if err != nil {
			if errors.Is(err, tools.ErrNotFound) {
				slog.Warn("Tracked file missing", slog.String("path", rel))
				continue
			}
			return nil, envError("read "+rel, err)
		}
		if limit := s.deps.Options.MaxFileBytes; limit > 0 && len(content) > limit {
			content = content[:limit] + "\n...(file truncated)"
		}
		files = append(files, fileContent{Path: rel, Content: content})
	}
	return files, nil
}

// skipEmbedded reports compiled or cache files that are never embedded.
func skipEmbedded(rel string) bool {
	return strings.HasSuffix(rel, ".pyc") || strings.Contains("/"+rel+"/", "/__pycache__/")
}
