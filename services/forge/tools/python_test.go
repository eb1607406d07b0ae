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
	"errors"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner records commands and replays results.
type scriptedRunner struct {
	commands []Command
	results  []*CommandResult
	err      error
}

func (s *scriptedRunner) Run(_ context.Context, cmd Command) (*CommandResult, error) {
	s.commands = append(s.commands, cmd)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.results) == 0 {
		return &CommandResult{}, nil
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r, nil
}

func TestPythonEnvironment_CreateVirtualEnvironment(t *testing.T) {
	runner := &scriptedRunner{}
	env := NewPythonEnvironment(NewMemoryFileSystem(), WithCommandRunner(runner), WithPythonInterpreter("python3.12"))

	py, err := env.CreateVirtualEnvironment(context.Background(), "/w/calc/venv")
	require.NoError(t, err)
	assert.Equal(t, InterpreterPath("/w/calc/venv"), py)

	require.Len(t, runner.commands, 1)
	assert.Equal(t, "python3.12", runner.commands[0].Name)
	assert.Equal(t, []string{"-m", "venv", "/w/calc/venv"}, runner.commands[0].Args)
}

func TestPythonEnvironment_NonZeroExitIsProcessError(t *testing.T) {
	runner := &scriptedRunner{results: []*CommandResult{{ExitCode: 1, Stderr: "No matching distribution found for nosuchpkg"}}}
	env := NewPythonEnvironment(NewMemoryFileSystem(), WithCommandRunner(runner))

	err := env.InstallRequirements(context.Background(), "/w/calc/venv/bin/python", "/w/calc/requirements.txt")
	var perr *ProcessError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.ExitCode)
	assert.Contains(t, perr.Error(), "nosuchpkg")

	cmd := runner.commands[0]
	assert.Equal(t, "/w/calc/venv/bin/python", cmd.Name)
	assert.Contains(t, cmd.Args, "-r")
	assert.Equal(t, "/w/calc", cmd.Dir)
}

func TestPythonEnvironment_StartFailure(t *testing.T) {
	runner := &scriptedRunner{err: errors.New("executable file not found")}
	env := NewPythonEnvironment(NewMemoryFileSystem(), WithCommandRunner(runner))

	_, err := env.CreateVirtualEnvironment(context.Background(), "/w/venv")
	assert.Error(t, err)
}

func TestWriteRequirementsManifest(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryFileSystem()
	env := NewPythonEnvironment(mem, WithCommandRunner(&scriptedRunner{}))

	path, err := env.WriteRequirementsManifest(ctx, "/w/calc", []string{"click", "pytest"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/w/calc", ManifestName), path)

	got, _ := mem.ReadFile(ctx, path)
	assert.Equal(t, "click\npytest\n", got)

	// A second write replaces the manifest.
	_, err = env.WriteRequirementsManifest(ctx, "/w/calc", []string{"rich"})
	require.NoError(t, err)
	got, _ = mem.ReadFile(ctx, path)
	assert.Equal(t, "rich\n", got)
}

func TestManifestContent_Empty(t *testing.T) {
	assert.Equal(t, "", ManifestContent(nil))
}

func TestPytestRunner_ReportsExitCode(t *testing.T) {
	runner := &scriptedRunner{results: []*CommandResult{{Stdout: "1 failed", ExitCode: 1}}}
	p := NewPytestRunner(time.Minute, runner)

	run, err := p.RunTests(context.Background(), "/w/calc/tests", "/w/calc/venv/bin/python")
	require.NoError(t, err)
	assert.False(t, run.Passed())
	assert.Equal(t, "1 failed", run.Output())

	cmd := runner.commands[0]
	assert.Equal(t, "/w/calc", cmd.Dir, "pytest runs from the project root")
	assert.Equal(t, []string{"-m", "pytest", "/w/calc/tests"}, cmd.Args)
}

func TestPytestRunner_TimeoutIsFailure(t *testing.T) {
	runner := &scriptedRunner{results: []*CommandResult{{TimedOut: true, ExitCode: -1}}}
	p := NewPytestRunner(time.Second, runner)

	run, err := p.RunTests(context.Background(), "/w/t", "/w/venv/bin/python")
	require.NoError(t, err)
	assert.False(t, run.Passed())
	assert.Contains(t, run.Output(), "timed out")
}

func TestExecRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	res, err := ExecRunner{}.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo out; echo err 1>&2; exit 3"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err = ExecRunner{}.Run(ctx, Command{Name: "sh", Args: []string{"-c", "exec sleep 5"}})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)

	_, err = ExecRunner{}.Run(context.Background(), Command{Name: "definitely-not-a-binary-xyz"})
	assert.Error(t, err)
}

func TestTestRun_Output(t *testing.T) {
	assert.Equal(t, "a\nb", (&TestRun{Stdout: "a", Stderr: "b"}).Output())
	assert.Equal(t, "b", (&TestRun{Stderr: "b"}).Output())
	assert.True(t, (&TestRun{}).Passed())
	assert.False(t, (*TestRun)(nil).Passed())
}
