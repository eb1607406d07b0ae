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
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianForge/services/forge/agent"
	"github.com/AleutianAI/AleutianForge/services/forge/tools"
)

const truncatedMarker = "...(output truncated)\n"

// TestStage installs the requirements and runs the test suite. It makes
// no model calls. A failing suite is a normal outcome, not an error.
type TestStage struct {
	deps *Dependencies
}

// NewTestStage creates the TEST executor.
func NewTestStage(deps *Dependencies) *TestStage {
	return &TestStage{deps: deps}
}

// Name implements agent.StageExecutor.
func (s *TestStage) Name() string { return "test" }

// Execute implements agent.StageExecutor.
//
// Description:
//
//	Writes requirements.txt from the sorted requirement set, installs it
//	into the project runtime and runs the tests under TestTimeout. The
//	verdict is exit code zero without timeout. Feedback is the combined
//	output, truncated to MaxFeedbackBytes keeping the tail.
//
// Outputs:
//
//	agent.StageOutput - agent.TestOutput
//	error - ErrEnvironment if the manifest, install or runner fails
func (s *TestStage) Execute(ctx context.Context, state *agent.ProjectState) (agent.StageOutput, error) {
	if !state.IsScaffolded() {
		return nil, fmt.Errorf("%w: test before scaffold", agent.ErrInvariantViolation)
	}

	manifest, err := s.deps.Env.WriteRequirementsManifest(ctx, state.ProjectFolder, state.Requirements.Sorted())
	if err != nil {
		return nil, envError("write requirements manifest", err)
	}
	if err := s.deps.Env.InstallRequirements(ctx, state.RuntimePath, manifest); err != nil {
		return nil, envError("install requirements", err)
	}

	run, err := s.runTests(ctx, state)
	if err != nil {
		return nil, err
	}

	passed := run.Passed()
	feedback := run.Output()
	if run.TimedOut && !strings.Contains(feedback, "timed out") {
		feedback = strings.TrimSpace(feedback + fmt.Sprintf("\ntest run timed out after %s", s.deps.Options.TestTimeout))
	}
	feedback = TruncateTail(feedback, s.deps.Options.MaxFeedbackBytes)
	state.SetTestVerdict(passed, feedback)

	slog.Info("Tests finished",
		slog.String("step", state.CurrentStep),
		slog.Bool("passed", passed),
		slog.Int("exit_code", run.ExitCode),
		slog.Bool("timed_out", run.TimedOut),
	)

	return agent.TestOutput{
		Passed:   passed,
		Feedback: feedback,
		ExitCode: run.ExitCode,
		TimedOut: run.TimedOut,
		Duration: run.Duration,
	}, nil
}

// runTests runs the suite under the stage timeout. A runner error caused
// by that timeout is reported as a timed-out run.
func (s *TestStage) runTests(ctx context.Context, state *agent.ProjectState) (*tools.TestRun, error) {
	runCtx := ctx
	if s.deps.Options.TestTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.deps.Options.TestTimeout)
		defer cancel()
	}

	run, err := s.deps.Tests.RunTests(runCtx, state.TestFolder, state.RuntimePath)
	if err != nil {
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return &tools.TestRun{TimedOut: true, ExitCode: -1, Stderr: err.Error()}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, envError("run tests", err)
	}
	if run == nil {
		return nil, envError("run tests", errors.New("runner returned no result"))
	}
	return run, nil
}

// TruncateTail keeps the last limit bytes of s, cut at a rune boundary
// and prefixed with a marker. A limit of zero or less disables truncation.
func TruncateTail(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	start := len(s) - limit
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return truncatedMarker + s[start:]
}
