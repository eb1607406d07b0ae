// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

// PytestRunner implements TestRunner by running pytest in the project
// root, so the root conftest.py puts the sources on the import path.
type PytestRunner struct {
	runner  CommandRunner
	timeout time.Duration
}

// NewPytestRunner creates a runner with the given per-run timeout.
// A zero timeout disables the limit.
func NewPytestRunner(timeout time.Duration, runner CommandRunner) *PytestRunner {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &PytestRunner{runner: runner, timeout: timeout}
}

// RunTests implements TestRunner.
func (p *PytestRunner) RunTests(ctx context.Context, testDir, runtimePath string) (*TestRun, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	cmd := Command{
		Dir:  filepath.Dir(testDir),
		Name: runtimePath,
		Args: []string{"-m", "pytest", testDir},
	}
	res, err := p.runner.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", cmd, err)
	}

	run := &TestRun{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		TimedOut: res.TimedOut,
		Duration: res.Duration,
	}
	if run.TimedOut {
		run.Stderr = fmt.Sprintf("%s\ntest run timed out after %s", run.Stderr, p.timeout)
	}
	slog.Info("Test run finished",
		slog.String("test_dir", testDir),
		slog.Int("exit_code", run.ExitCode),
		slog.Bool("timed_out", run.TimedOut),
		slog.Duration("duration", run.Duration),
	)
	return run, nil
}
