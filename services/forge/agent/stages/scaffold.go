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
	"github.com/AleutianAI/AleutianForge/services/forge/tools"
)

// Project layout names.
const (
	SourceDir      = "src"
	TestDir        = "tests"
	VenvDir        = "venv"
	TestConfigFile = "conftest.py"

	maxSlugLength     = 48
	maxFolderAttempts = 1000
)

// ScaffoldStage creates the project folder, its layout and its runtime.
// It makes no model calls.
type ScaffoldStage struct {
	deps *Dependencies
}

// NewScaffoldStage creates the SCAFFOLD executor.
func NewScaffoldStage(deps *Dependencies) *ScaffoldStage {
	return &ScaffoldStage{deps: deps}
}

// Name implements agent.StageExecutor.
func (s *ScaffoldStage) Name() string { return "scaffold" }

// Execute implements agent.StageExecutor.
//
// Description:
//
//	Creates <workdir>/<slug> (suffixing _2, _3, ... when taken), the src
//	and tests folders, a virtual environment in venv and an empty
//	conftest.py at the project root so pytest resolves imports from it.
//
// Outputs:
//
//	agent.StageOutput - agent.ScaffoldOutput
//	error - ErrInvariantViolation if already scaffolded, ErrEnvironment
//	        for capability failures
func (s *ScaffoldStage) Execute(ctx context.Context, state *agent.ProjectState) (agent.StageOutput, error) {
	if state.IsScaffolded() {
		return nil, fmt.Errorf("%w: project already scaffolded at %s", agent.ErrInvariantViolation, state.ProjectFolder)
	}
	fs := s.deps.FS

	project, err := s.createProjectFolder(ctx, Slugify(state.ProjectName))
	if err != nil {
		return nil, err
	}

	out := agent.ScaffoldOutput{
		ProjectFolder: project,
		SourceFolder:  filepath.Join(project, SourceDir),
		TestFolder:    filepath.Join(project, TestDir),
	}
	for _, dir := range []string{out.SourceFolder, out.TestFolder} {
		if err := fs.CreateDirectory(ctx, dir); err != nil {
			return nil, envError("create "+filepath.Base(dir)+" folder", err)
		}
	}

	runtime, err := s.deps.Env.CreateVirtualEnvironment(ctx, filepath.Join(project, VenvDir))
	if err != nil {
		return nil, envError("create virtual environment", err)
	}
	out.RuntimePath = runtime

	if err := fs.CreateFile(ctx, filepath.Join(project, TestConfigFile), ""); err != nil {
		return nil, envError("create "+TestConfigFile, err)
	}

	if err := state.SetScaffold(out); err != nil {
		return nil, err
	}

	slog.Info("Project scaffolded",
		slog.String("project_folder", out.ProjectFolder),
		slog.String("runtime", out.RuntimePath),
	)
	return out, nil
}

// createProjectFolder creates the first free folder for slug.
func (s *ScaffoldStage) createProjectFolder(ctx context.Context, slug string) (string, error) {
	base := s.deps.Options.WorkDir
	if base == "" {
		base = "."
	}
	for i := 1; i <= maxFolderAttempts; i++ {
		name := slug
		if i > 1 {
			name = fmt.Sprintf("%s_%d", slug, i)
		}
		path := filepath.Join(base, name)
		err := s.deps.FS.CreateDirectory(ctx, path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, tools.ErrAlreadyExists) {
			return "", envError("create project folder", err)
		}
	}
	return "", envError("create project folder",
		fmt.Errorf("%w: no free name for %s after %d attempts", tools.ErrAlreadyExists, slug, maxFolderAttempts))
}

// Slugify turns a project name into a folder name.
//
// Description:
//
//	Lowercases the name, keeps [a-z0-9_], turns runs of other characters
//	into a single underscore and trims underscores at both ends. The
//	result is capped at 48 characters. An empty result becomes "project".
//
// Examples:
//
//	Slugify("CLI Calculator")  // "cli_calculator"
//	Slugify("  --  ")          // "project"
func Slugify(name string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			pendingSep = true
		}
	}
	slug := b.String()
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "_")
	}
	if slug == "" {
		return "project"
	}
	return slug
}
