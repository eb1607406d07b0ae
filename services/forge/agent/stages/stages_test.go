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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianForge/services/forge/agent"
	"github.com/AleutianAI/AleutianForge/services/forge/agent/llm"
	"github.com/AleutianAI/AleutianForge/services/forge/tools"
)

// =============================================================================
// Helpers
// =============================================================================

type testDeps struct {
	*Dependencies
	client *llm.MockClient
	mem    *tools.MemoryFileSystem
	env    *tools.FakeEnvironment
	runner *tools.FakeTestRunner
}

func newTestDeps(t *testing.T, runs ...*tools.TestRun) *testDeps {
	t.Helper()
	cfg := llm.DefaultInvokerConfig()
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 2 * time.Millisecond

	client := llm.NewMockClient()
	mem := tools.NewMemoryFileSystem()
	env := tools.NewFakeEnvironment(mem)
	runner := tools.NewFakeTestRunner(runs...)

	opts := DefaultOptions()
	opts.WorkDir = "/work"
	return &testDeps{
		Dependencies: &Dependencies{
			Invoker: llm.NewInvoker(client, llm.WithInvokerConfig(cfg)),
			FS:      mem,
			Env:     env,
			Tests:   runner,
			Options: opts,
		},
		client: client,
		mem:    mem,
		env:    env,
		runner: runner,
	}
}

func newState(t *testing.T) *agent.ProjectState {
	t.Helper()
	s, err := agent.NewProjectState("a CLI calculator")
	require.NoError(t, err)
	return s
}

// scaffolded returns a state with a plan and a scaffolded project.
func scaffolded(t *testing.T, d *testDeps, steps ...string) *agent.ProjectState {
	t.Helper()
	s := newState(t)
	s.ProjectName = "calc"
	s.ResetPlan(steps)
	_, err := NewScaffoldStage(d.Dependencies).Execute(context.Background(), s)
	require.NoError(t, err)
	return s
}

func userPrompt(req *llm.Request) string {
	if req == nil || len(req.Messages) == 0 {
		return ""
	}
	return req.Messages[0].Content
}

// =============================================================================
// Helpers Under Test
// =============================================================================

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"calc", "calc"},
		{"CLI Calculator", "cli_calculator"},
		{"my_project", "my_project"},
		{"  --Todo   App!! ", "todo_app"},
		{"Ünïcode name", "n_code_name"},
		{"", "project"},
		{"!!!", "project"},
		{strings.Repeat("ab", 40), strings.Repeat("ab", 24)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := Slugify(tt.in)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), 48)
		})
	}
}

func TestTruncateTail(t *testing.T) {
	assert.Equal(t, "short", TruncateTail("short", 100))
	assert.Equal(t, "abcdef", TruncateTail("abcdef", 0))

	got := TruncateTail("0123456789", 4)
	assert.True(t, strings.HasPrefix(got, truncatedMarker))
	assert.True(t, strings.HasSuffix(got, "6789"))

	// The cut never splits a rune.
	got = TruncateTail("aé", 1)
	assert.Equal(t, truncatedMarker, got)
}

func TestPromptSet(t *testing.T) {
	p, err := NewPromptSet(map[string]string{TemplateSystem: "custom system"})
	require.NoError(t, err)
	assert.Equal(t, "custom system", p.System())

	_, err = NewPromptSet(map[string]string{"nope": "x"})
	assert.Error(t, err)

	_, err = NewPromptSet(map[string]string{TemplatePlanFresh: "{{.Broken"})
	assert.Error(t, err)
}

func TestNewRegistry(t *testing.T) {
	d := newTestDeps(t)
	reg, err := NewRegistry(d.Dependencies)
	require.NoError(t, err)
	assert.Empty(t, reg.Missing())

	_, err = NewRegistry(&Dependencies{})
	assert.ErrorIs(t, err, agent.ErrInvalidConfig)

	_, err = NewRegistry(nil)
	assert.ErrorIs(t, err, agent.ErrInvalidConfig)
}

// =============================================================================
// Plan and Validate
// =============================================================================

func TestPlanStage_Fresh(t *testing.T) {
	d := newTestDeps(t)
	d.client.QueueToolCall(SubmitPlan, PlanResult{
		ProjectName: "calc",
		Description: "A small calculator",
		Steps:       []string{"core arithmetic", " ", "cli parsing"},
	})
	s := newState(t)

	out, err := NewPlanStage(d.Dependencies, defaultPrompts()).Execute(context.Background(), s)
	require.NoError(t, err)

	plan := out.(agent.PlanOutput)
	assert.False(t, plan.Revision)
	assert.Equal(t, []string{"core arithmetic", "cli parsing"}, s.PlanSteps)
	assert.Equal(t, s.PlanSteps, s.StepsTodo)
	assert.Empty(t, s.StepsDone)
	assert.Equal(t, "calc", s.ProjectName)
	assert.Equal(t, "A small calculator", s.PlanDescription)

	req := d.client.LastRequest()
	require.NotNil(t, req.ToolChoice)
	assert.Equal(t, SubmitPlan, req.ToolChoice.Name)
	assert.Contains(t, userPrompt(req), "a CLI calculator")
}

func TestPlanStage_Revision(t *testing.T) {
	d := newTestDeps(t)
	d.client.QueueToolCall(SubmitPlan, PlanResult{ProjectName: "calc", Steps: []string{"a", "b", "persistence"}})
	s := newState(t)
	s.ResetPlan([]string{"a", "b"})
	s.SetPlanVerdict(false, "needs a persistence step")

	out, err := NewPlanStage(d.Dependencies, defaultPrompts()).Execute(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, out.(agent.PlanOutput).Revision)

	prompt := userPrompt(d.client.LastRequest())
	assert.Contains(t, prompt, "needs a persistence step")
	assert.Contains(t, prompt, "1. a")
	assert.Contains(t, prompt, "2. b")

	// The new plan has not been validated yet.
	assert.Nil(t, s.PlanOK)
	assert.IsType(t, agent.FreshPlan{}, s.PlanRequest())
}

func TestPlanStage_BlankStepsAreRetried(t *testing.T) {
	d := newTestDeps(t)
	d.client.QueueToolCall(SubmitPlan, PlanResult{ProjectName: "calc", Steps: []string{"  ", ""}})
	d.client.QueueToolCall(SubmitPlan, PlanResult{ProjectName: "calc", Steps: []string{"core"}})
	s := newState(t)

	_, err := NewPlanStage(d.Dependencies, defaultPrompts()).Execute(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 2, d.client.CallCount())
	assert.Equal(t, []string{"core"}, s.PlanSteps)
}

func TestPlanStage_ExhaustionIsPlanningError(t *testing.T) {
	d := newTestDeps(t)
	for range 3 {
		d.client.QueueError(errors.New("503 overloaded"))
	}
	s := newState(t)

	_, err := NewPlanStage(d.Dependencies, defaultPrompts()).Execute(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrPlanning)
	assert.ErrorIs(t, err, llm.ErrRetriesExhausted)
	assert.Equal(t, 3, d.client.CallCount())
	assert.Empty(t, s.PlanSteps)
}

func TestValidateStage(t *testing.T) {
	tests := []struct {
		name     string
		verdict  ValidationResult
		wantEdge agent.Edge
	}{
		{"accepted", NewVerdict(true, "fine"), agent.EdgePlanAccepted},
		{"rejected", NewVerdict(false, "missing tests"), agent.EdgePlanRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDeps(t)
			d.client.QueueToolCall(SubmitValidation, tt.verdict)
			s := newState(t)
			s.ResetPlan([]string{"core", "cli"})

			out, err := NewValidateStage(d.Dependencies, defaultPrompts()).Execute(context.Background(), s)
			require.NoError(t, err)
			assert.Equal(t, tt.verdict.Accepted(), out.(agent.ValidationOutput).OK)
			require.NotNil(t, s.PlanOK)
			assert.Equal(t, tt.verdict.Feedback, *s.PlanFeedback)

			edge, _, err := agent.DefaultTransitionTable.Next(agent.StageValidate, s)
			require.NoError(t, err)
			assert.Equal(t, tt.wantEdge, edge)
		})
	}
}

func TestValidateStage_MissingVerdictIsRetried(t *testing.T) {
	d := newTestDeps(t)
	d.client.QueueToolCall(SubmitValidation, map[string]any{"feedback": "looks good"})
	d.client.QueueToolCall(SubmitValidation, NewVerdict(true, "looks good"))
	s := newState(t)
	s.ResetPlan([]string{"core", "cli"})

	out, err := NewValidateStage(d.Dependencies, defaultPrompts()).Execute(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 2, d.client.CallCount())
	assert.True(t, out.(agent.ValidationOutput).OK)
	require.NotNil(t, s.PlanOK)
	assert.True(t, *s.PlanOK)
}

func TestValidateStage_NoVerdictExhaustsRetries(t *testing.T) {
	d := newTestDeps(t)
	for range 3 {
		d.client.QueueToolCall(SubmitValidation, map[string]any{"feedback": "looks good"})
	}
	s := newState(t)
	s.ResetPlan([]string{"core", "cli"})

	_, err := NewValidateStage(d.Dependencies, defaultPrompts()).Execute(context.Background(), s)
	assert.ErrorIs(t, err, agent.ErrPlanning)
	assert.Nil(t, s.PlanOK)
}

func TestValidateStage_NoPlan(t *testing.T) {
	d := newTestDeps(t)
	_, err := NewValidateStage(d.Dependencies, defaultPrompts()).Execute(context.Background(), newState(t))
	assert.ErrorIs(t, err, agent.ErrInvariantViolation)
}

// =============================================================================
// Scaffold
// =============================================================================

func TestScaffoldStage(t *testing.T) {
	d := newTestDeps(t)
	s := newState(t)
	s.ProjectName = "CLI Calc"

	out, err := NewScaffoldStage(d.Dependencies).Execute(context.Background(), s)
	require.NoError(t, err)

	sc := out.(agent.ScaffoldOutput)
	assert.Equal(t, "/work/cli_calc", sc.ProjectFolder)
	assert.Equal(t, "/work/cli_calc/src", s.SourceFolder)
	assert.Equal(t, "/work/cli_calc/tests", s.TestFolder)
	assert.Equal(t, "/work/cli_calc/venv/bin/python", s.RuntimePath)
	assert.True(t, d.mem.IsDir("/work/cli_calc/src"))
	assert.True(t, d.mem.IsDir("/work/cli_calc/tests"))
	assert.True(t, d.mem.IsDir("/work/cli_calc/venv"))
	assert.True(t, d.mem.Exists("/work/cli_calc/conftest.py"))
	assert.Empty(t, s.Requirements.Sorted())

	_, err = NewScaffoldStage(d.Dependencies).Execute(context.Background(), s)
	assert.ErrorIs(t, err, agent.ErrInvariantViolation)
}

func TestScaffoldStage_TakenFolderGetsSuffix(t *testing.T) {
	d := newTestDeps(t)
	require.NoError(t, d.mem.CreateDirectory(context.Background(), "/work/calc"))
	require.NoError(t, d.mem.CreateDirectory(context.Background(), "/work/calc_2"))
	s := newState(t)
	s.ProjectName = "calc"

	_, err := NewScaffoldStage(d.Dependencies).Execute(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "/work/calc_3", s.ProjectFolder)
}

func TestScaffoldStage_EnvironmentFailure(t *testing.T) {
	d := newTestDeps(t)
	d.env.VenvErr = &tools.ProcessError{Command: "python3 -m venv", ExitCode: 1, Output: "ensurepip is not available"}
	s := newState(t)
	s.ProjectName = "calc"

	_, err := NewScaffoldStage(d.Dependencies).Execute(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrEnvironment)
	var perr *tools.ProcessError
	assert.ErrorAs(t, err, &perr)
	assert.False(t, s.IsScaffolded())
}

// =============================================================================
// Implement
// =============================================================================

func TestImplementStage(t *testing.T) {
	d := newTestDeps(t)
	s := scaffolded(t, d, "core arithmetic", "cli")
	s.Requirements.Add("pytest")

	d.client.QueueToolCalls(
		llm.ToolCall{Name: tools.ToolCreateFile, Arguments: `{"path":"src/calc.py","content":"def add(a, b):\n    return a + b\n"}`},
		llm.ToolCall{Name: tools.ToolCreateFile, Arguments: `{"path":"tests/test_calc.py","content":"from src.calc import add\n"}`},
		llm.ToolCall{Name: tools.ToolCreateFile, Arguments: `{"path":"src/util.py","content":""}`},
	)
	d.client.QueueToolCall(SubmitImplementation, ImplementResult{
		Description: "Added add()",
		ChangedSourceFiles: []agent.FileEntry{
			{Path: "/work/calc/src/calc.py", Description: "arithmetic"},
			{Path: "tests/test_calc.py", Description: "tests for add"},
		},
		EntryPoint:   "python -m src.calc",
		Requirements: []string{"pytest", "click"},
	})

	out, err := NewImplementStage(d.Dependencies, defaultPrompts()).Execute(context.Background(), s)
	require.NoError(t, err)

	impl := out.(agent.ImplementOutput)
	assert.Equal(t, "core arithmetic", impl.Step)
	assert.False(t, impl.ReworkAware)

	assert.Equal(t, []string{"src/calc.py", "src/util.py"}, s.SourceFiles.Paths())
	assert.Equal(t, []string{"tests/test_calc.py"}, s.TestFiles.Paths())
	entry, _ := s.SourceFiles.Get("src/calc.py")
	assert.Equal(t, "arithmetic", entry.Description)

	assert.Equal(t, []string{"click", "pytest"}, s.Requirements.Sorted())
	assert.Equal(t, "core arithmetic", s.CurrentStep)
	assert.Equal(t, "Added add()", s.CurrentStepDescription)
	assert.Equal(t, "python -m src.calc", s.EntryPoint)
	assert.True(t, d.mem.Exists("/work/calc/src/calc.py"))

	// The step list is unchanged by implementation.
	assert.Equal(t, []string{"core arithmetic", "cli"}, s.StepsTodo)
}

func TestImplementStage_ToolErrorsGoBackToModel(t *testing.T) {
	d := newTestDeps(t)
	s := scaffolded(t, d, "core")
	require.NoError(t, d.mem.CreateFile(context.Background(), "/work/calc/src/calc.py", "old"))

	d.client.QueueToolCall(tools.ToolCreateFile, map[string]any{"path": "src/calc.py", "content": "new"})
	d.client.QueueToolCalls(
		llm.ToolCall{Name: tools.ToolUpdateFile, Arguments: `{"path":"src/calc.py","content":"new"}`},
		llm.ToolCall{Name: SubmitImplementation, Arguments: `{"description":"updated","changed_source_files":[{"path":"src/calc.py","description":"calc"}],"changed_test_files":[],"entry_point":"","requirements":[]}`},
	)

	_, err := NewImplementStage(d.Dependencies, defaultPrompts()).Execute(context.Background(), s)
	require.NoError(t, err)

	calls := d.client.GetCalls()
	require.Len(t, calls, 2)
	last := calls[1].Request.Messages
	results := last[len(last)-1].ToolResults
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)

	got, _ := d.mem.ReadFile(context.Background(), "/work/calc/src/calc.py")
	assert.Equal(t, "new", got)
}

func TestImplementStage_ReworkAwareClearsVerdict(t *testing.T) {
	d := newTestDeps(t)
	s := scaffolded(t, d, "core")
	s.SetTestVerdict(false, "AssertionError: 3 != 4")
	require.Equal(t, agent.ImplementReworkAware, s.ImplementMode())

	d.client.QueueToolCall(SubmitImplementation, ImplementResult{Description: "fixed"})

	out, err := NewImplementStage(d.Dependencies, defaultPrompts()).Execute(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, out.(agent.ImplementOutput).ReworkAware)
	assert.Contains(t, userPrompt(d.client.LastRequest()), "AssertionError: 3 != 4")
	assert.Nil(t, s.TestResult)
	assert.Equal(t, agent.ImplementFirstAttempt, s.ImplementMode())
}

func TestImplementStage_ModelFailure(t *testing.T) {
	d := newTestDeps(t)
	s := scaffolded(t, d, "core")
	for range 3 {
		d.client.QueueError(errors.New("connection reset"))
	}

	_, err := NewImplementStage(d.Dependencies, defaultPrompts()).Execute(context.Background(), s)
	assert.ErrorIs(t, err, agent.ErrModel)
}

func TestImplementStage_FatalToolFailure(t *testing.T) {
	d := newTestDeps(t)
	s := scaffolded(t, d, "core")
	d.mem.FailWith = errors.New("read-only file system")
	d.client.QueueToolCall(tools.ToolCreateFile, map[string]any{"path": "src/a.py", "content": "x"})

	_, err := NewImplementStage(d.Dependencies, defaultPrompts()).Execute(context.Background(), s)
	assert.ErrorIs(t, err, agent.ErrEnvironment)
}

// =============================================================================
// Test
// =============================================================================

func TestTestStage_Passing(t *testing.T) {
	d := newTestDeps(t, tools.PassingRun())
	s := scaffolded(t, d, "core")
	s.Requirements.Add("requests", "click")

	out, err := NewTestStage(d.Dependencies).Execute(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, out.(agent.TestOutput).Passed)
	require.NotNil(t, s.TestResult)
	assert.True(t, *s.TestResult)

	manifest, err := d.mem.ReadFile(context.Background(), "/work/calc/requirements.txt")
	require.NoError(t, err)
	assert.Equal(t, "click\nrequests\n", manifest)
	assert.Equal(t, []string{"/work/calc/requirements.txt"}, d.env.Installs)
}

func TestTestStage_FailingFeedbackIsTruncated(t *testing.T) {
	long := strings.Repeat("x", 100) + "FAILED tests/test_calc.py::test_add"
	d := newTestDeps(t, tools.FailingRun(long))
	d.Options.MaxFeedbackBytes = 40
	s := scaffolded(t, d, "core")

	out, err := NewTestStage(d.Dependencies).Execute(context.Background(), s)
	require.NoError(t, err, "a failing suite is not an error")

	res := out.(agent.TestOutput)
	assert.False(t, res.Passed)
	assert.Equal(t, 1, res.ExitCode)
	assert.True(t, strings.HasSuffix(res.Feedback, "test_add"))
	assert.LessOrEqual(t, len(res.Feedback), 40+len(truncatedMarker))
	assert.Equal(t, agent.ImplementReworkAware, s.ImplementMode())
}

func TestTestStage_TimeoutIsFailure(t *testing.T) {
	d := newTestDeps(t, &tools.TestRun{TimedOut: true, ExitCode: -1, Stdout: "collected 3 items"})
	s := scaffolded(t, d, "core")

	out, err := NewTestStage(d.Dependencies).Execute(context.Background(), s)
	require.NoError(t, err)
	res := out.(agent.TestOutput)
	assert.False(t, res.Passed)
	assert.True(t, res.TimedOut)
	assert.Contains(t, res.Feedback, "timed out")
}

func TestTestStage_EnvironmentFailures(t *testing.T) {
	t.Run("install", func(t *testing.T) {
		d := newTestDeps(t)
		d.env.InstallErr = &tools.ProcessError{Command: "pip install", ExitCode: 1, Output: "No matching distribution"}
		s := scaffolded(t, d, "core")
		_, err := NewTestStage(d.Dependencies).Execute(context.Background(), s)
		assert.ErrorIs(t, err, agent.ErrEnvironment)
		assert.Nil(t, s.TestResult)
	})
	t.Run("runner", func(t *testing.T) {
		d := newTestDeps(t)
		d.runner.WithError(errors.New("exec: python: not found"))
		s := scaffolded(t, d, "core")
		_, err := NewTestStage(d.Dependencies).Execute(context.Background(), s)
		assert.ErrorIs(t, err, agent.ErrEnvironment)
	})
}

// =============================================================================
// Rework and Advance
// =============================================================================

func TestReworkStage(t *testing.T) {
	ctx := context.Background()
	d := newTestDeps(t)
	s := scaffolded(t, d, "core")
	require.NoError(t, d.mem.CreateFile(ctx, "/work/calc/src/calc.py", "def add(a, b):\n    return a - b\n"))
	require.NoError(t, d.mem.CreateFile(ctx, "/work/calc/tests/test_calc.py", "assert add(1, 2) == 3\n"))
	s.SourceFiles.Upsert(agent.FileEntry{Path: "src/calc.py"}, agent.FileEntry{Path: "src/__pycache__/calc.cpython-312.pyc"})
	s.TestFiles.Upsert(agent.FileEntry{Path: "tests/test_calc.py"}, agent.FileEntry{Path: "tests/gone.py"})
	s.Requirements.Add("pytest")
	s.SetTestVerdict(false, "E   assert -1 == 3")

	d.client.QueueToolCall(tools.ToolUpdateFile, map[string]any{"path": "src/calc.py", "content": "def add(a, b):\n    return a + b\n"})
	d.client.QueueToolCall(tools.ToolUpdateFile, map[string]any{"path": "src/calc.py", "content": "broken"})
	d.client.QueueToolCall(SubmitRework, ReworkResult{Description: "fixed subtraction", Requirements: []string{"pytest", "hypothesis"}})

	out, err := NewReworkStage(d.Dependencies, defaultPrompts()).Execute(ctx, s)
	require.NoError(t, err)

	rw := out.(agent.ReworkOutput)
	assert.Equal(t, 1, rw.Attempt)
	assert.Equal(t, 1, s.ReworkCount)
	assert.Equal(t, "fixed subtraction", s.ReworkDescription)
	assert.Equal(t, []string{"hypothesis", "pytest"}, s.Requirements.Sorted())

	got, _ := d.mem.ReadFile(ctx, "/work/calc/src/calc.py")
	assert.Equal(t, "def add(a, b):\n    return a + b\n", got, "the second write is rejected")

	first := d.client.GetCalls()[0].Request
	prompt := userPrompt(first)
	assert.Contains(t, prompt, "return a - b")
	assert.Contains(t, prompt, "assert add(1, 2) == 3")
	assert.Contains(t, prompt, "E   assert -1 == 3")
	assert.NotContains(t, prompt, "__pycache__")

	var names []string
	for _, def := range first.Tools {
		names = append(names, def.Name)
	}
	assert.ElementsMatch(t, []string{tools.ToolReadFile, tools.ToolUpdateFile, SubmitRework}, names)
}

func TestReworkStage_EmbedsUntrackedFiles(t *testing.T) {
	ctx := context.Background()
	d := newTestDeps(t)
	s := scaffolded(t, d, "core")
	require.NoError(t, d.mem.CreateFile(ctx, "/work/calc/src/calc.py", "from helpers import sub\n"))
	require.NoError(t, d.mem.CreateFile(ctx, "/work/calc/src/helpers.py", "def sub(a, b):\n    return a + b\n"))
	require.NoError(t, d.mem.CreateFile(ctx, "/work/calc/src/helpers.pyc", "compiled-bytes"))
	require.NoError(t, d.mem.CreateFile(ctx, "/work/calc/tests/__pycache__/test_calc.cpython-312.pyc", "cached-bytes"))
	require.NoError(t, d.mem.CreateFile(ctx, "/work/calc/tests/conftest.py", "import pytest\n"))
	s.SourceFiles.Upsert(agent.FileEntry{Path: "src/calc.py"})
	s.SetTestVerdict(false, "E   assert 3 == -1")

	d.client.QueueToolCall(SubmitRework, ReworkResult{Description: "no change"})

	_, err := NewReworkStage(d.Dependencies, defaultPrompts()).Execute(ctx, s)
	require.NoError(t, err)

	prompt := userPrompt(d.client.GetCalls()[0].Request)
	assert.Contains(t, prompt, "from helpers import sub")
	assert.Contains(t, prompt, "src/helpers.py")
	assert.Contains(t, prompt, "return a + b", "files the model never reported are still embedded")
	assert.Contains(t, prompt, "import pytest")
	assert.NotContains(t, prompt, "compiled-bytes")
	assert.NotContains(t, prompt, "cached-bytes")
	assert.Equal(t, 1, strings.Count(prompt, "from helpers import sub"), "tracked files are embedded once")
}

func TestAdvanceStage(t *testing.T) {
	s := newState(t)
	s.ResetPlan([]string{"a", "b"})
	s.ReworkCount = 2
	s.SetTestVerdict(true, "ok")

	out, err := NewAdvanceStage().Execute(context.Background(), s)
	require.NoError(t, err)
	adv := out.(agent.AdvanceOutput)
	assert.Equal(t, "a", adv.Completed)
	assert.Equal(t, []string{"b"}, adv.Todo)
	assert.Equal(t, []string{"a"}, adv.Done)
	assert.Zero(t, s.ReworkCount)
	assert.Nil(t, s.TestResult)

	_, err = NewAdvanceStage().Execute(context.Background(), s)
	require.NoError(t, err)
	_, err = NewAdvanceStage().Execute(context.Background(), s)
	assert.ErrorIs(t, err, agent.ErrInvariantViolation)
}
