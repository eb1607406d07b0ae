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

// ImplementStage lets the model implement the head step through the file
// tools.
type ImplementStage struct {
	deps    *Dependencies
	prompts *PromptSet
}

// NewImplementStage creates the IMPLEMENT executor.
func NewImplementStage(deps *Dependencies, prompts *PromptSet) *ImplementStage {
	return &ImplementStage{deps: deps, prompts: prompts}
}

// Name implements agent.StageExecutor.
func (s *ImplementStage) Name() string { return "implement" }

// Execute implements agent.StageExecutor.
//
// Description:
//
//	Runs a tool loop over a Toolbox rooted at the project folder. The
//	files the model reports are normalized relative to the project
//	folder and upserted into the state's file sets. Files written through
//	the tools but not reported are tracked as well. Requirements are
//	unioned into the state.
//
// Outputs:
//
//	agent.StageOutput - agent.ImplementOutput
//	error - ErrModel for model failures, ErrEnvironment for fatal tool
//	        failures, ErrInvariantViolation without a current step
func (s *ImplementStage) Execute(ctx context.Context, state *agent.ProjectState) (agent.StageOutput, error) {
	step, ok := state.HeadStep()
	if !ok {
		return nil, fmt.Errorf("%w: no step left to implement", agent.ErrInvariantViolation)
	}
	if !state.IsScaffolded() {
		return nil, fmt.Errorf("%w: implement before scaffold", agent.ErrInvariantViolation)
	}

	reworkAware := state.ImplementMode() == agent.ImplementReworkAware
	data := implementPromptData{
		Description:   state.SoftwareDescription,
		ProjectFolder: state.ProjectFolder,
		SourceFolder:  state.SourceFolder,
		TestFolder:    state.TestFolder,
		StepsDone:     state.StepsDone,
		Step:          step,
		SourceListing: state.SourceFiles.Listing(),
		TestListing:   state.TestFiles.Listing(),
		Requirements:  state.Requirements.Sorted(),
		ReworkAware:   reworkAware,
		ResultTool:    implementSpec.Name,
	}
	if reworkAware {
		data.TestFeedback = *state.TestFeedback
	}

	user, err := s.prompts.Render(TemplateImplement, data)
	if err != nil {
		return nil, err
	}

	box := tools.NewToolbox(s.deps.FS, tools.WithBaseDir(state.ProjectFolder))
	var result ImplementResult
	prompt := llm.Prompt{System: s.prompts.System(), User: user}
	if err := s.deps.Invoker.RunTools(ctx, prompt, box, implementSpec, &result); err != nil {
		return nil, toolLoopError(agent.ErrModel, "implement step", err)
	}

	sources, tests := splitFiles(state, result.ChangedSourceFiles, result.ChangedTestFiles)
	sources, tests = addUnreported(state, box.Written(), sources, tests)
	state.SourceFiles.Upsert(sources...)
	state.TestFiles.Upsert(tests...)
	state.Requirements.Add(result.Requirements...)

	state.CurrentStep = step
	state.CurrentStepDescription = result.Description
	state.EntryPoint = result.EntryPoint
	if reworkAware {
		state.TestResult = nil
	}

	slog.Info("Step implemented",
		slog.String("step", step),
		slog.Int("source_files", len(sources)),
		slog.Int("test_files", len(tests)),
		slog.Bool("rework_aware", reworkAware),
	)

	return agent.ImplementOutput{
		Step:         step,
		Description:  result.Description,
		EntryPoint:   result.EntryPoint,
		SourceFiles:  sources,
		TestFiles:    tests,
		Requirements: state.Requirements.Sorted(),
		ReworkAware:  reworkAware,
	}, nil
}

// toolLoopError classifies a RunTools failure. Errors from the model
// side wrap kind; anything else came from a capability.
func toolLoopError(kind error, what string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, llm.ErrRetriesExhausted), errors.Is(err, llm.ErrToolTurnsExceeded),
		errors.Is(err, llm.ErrMalformedResult), errors.Is(err, llm.ErrNoResult):
		return modelError(kind, what, err)
	default:
		return envError(what, err)
	}
}

// relativePath returns p relative to the project folder in slash form.
func relativePath(project, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		if rel, err := filepath.Rel(project, p); err == nil && !strings.HasPrefix(rel, "..") {
			p = rel
		}
	}
	return filepath.ToSlash(filepath.Clean(p))
}

// isTestPath reports whether a relative path lies in the test folder.
func isTestPath(state *agent.ProjectState, rel string) bool {
	testRel := relativePath(state.ProjectFolder, state.TestFolder)
	if testRel == "" || testRel == "." {
		testRel = TestDir
	}
	return rel == testRel || strings.HasPrefix(rel, testRel+"/")
}

// splitFiles normalizes reported files. Source files under the test
// folder are filed as tests.
func splitFiles(state *agent.ProjectState, reportedSources, reportedTests []agent.FileEntry) (sources, tests []agent.FileEntry) {
	for _, f := range reportedSources {
		rel := relativePath(state.ProjectFolder, f.Path)
		if rel == "" {
			continue
		}
		entry := agent.FileEntry{Path: rel, Description: f.Description}
		if isTestPath(state, rel) {
			tests = append(tests, entry)
		} else {
			sources = append(sources, entry)
		}
	}
	for _, f := range reportedTests {
		if rel := relativePath(state.ProjectFolder, f.Path); rel != "" {
			tests = append(tests, agent.FileEntry{Path: rel, Description: f.Description})
		}
	}
	return sources, tests
}

// addUnreported tracks written files the model did not report. Files
// already tracked keep their description.
func addUnreported(state *agent.ProjectState, written []string, sources, tests []agent.FileEntry) ([]agent.FileEntry, []agent.FileEntry) {
	reported := make(map[string]bool, len(sources)+len(tests))
	for _, f := range sources {
		reported[f.Path] = true
	}
	for _, f := range tests {
		reported[f.Path] = true
	}
	for _, abs := range written {
		rel := relativePath(state.ProjectFolder, abs)
		if reported[rel] || rel == TestConfigFile || filepath.Base(rel) == tools.ManifestName {
			continue
		}
		if _, ok := state.SourceFiles.Get(rel); ok {
			continue
		}
		if _, ok := state.TestFiles.Get(rel); ok {
			continue
		}
		entry := agent.FileEntry{Path: rel}
		if isTestPath(state, rel) {
			tests = append(tests, entry)
		} else {
			sources = append(sources, entry)
		}
		reported[rel] = true
	}
	return sources, tests
}
