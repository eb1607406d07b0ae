// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianForge/services/forge/agent"
)

func render(t *testing.T, mode Mode, ev *agent.ProgressEvent) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, mode).Event(ev))
	return buf.String()
}

func TestPrinter_PlainSections(t *testing.T) {
	tests := []struct {
		name string
		ev   *agent.ProgressEvent
		want []string
	}{
		{
			name: "plan",
			ev: &agent.ProgressEvent{Sequence: 1, Stage: agent.StagePlan, Next: agent.StageValidate,
				Output: agent.PlanOutput{ProjectName: "calculator", Steps: []string{"core", "cli"}}},
			want: []string{"[PLAN] #1 -> VALIDATE", "Generated plan: calculator", "  1. core", "  2. cli"},
		},
		{
			name: "revision",
			ev: &agent.ProgressEvent{Stage: agent.StagePlan,
				Output: agent.PlanOutput{ProjectName: "calculator", Revision: true}},
			want: []string{"Revised plan: calculator"},
		},
		{
			name: "rejected",
			ev: &agent.ProgressEvent{Stage: agent.StageValidate,
				Output: agent.ValidationOutput{OK: false, Feedback: "add error handling"}},
			want: []string{"⚠ Plan rejected", "Feedback:\nadd error handling"},
		},
		{
			name: "scaffold",
			ev: &agent.ProgressEvent{Stage: agent.StageScaffold,
				Output: agent.ScaffoldOutput{ProjectFolder: "/w/calc", SourceFolder: "/w/calc/src", TestFolder: "/w/calc/tests", RuntimePath: "/w/calc/venv"}},
			want: []string{"Project: /w/calc", "Sources: /w/calc/src", "Python: /w/calc/venv"},
		},
		{
			name: "implement",
			ev: &agent.ProgressEvent{Stage: agent.StageImplement,
				Output: agent.ImplementOutput{Step: "core", EntryPoint: "python -m src.calc",
					SourceFiles:  []agent.FileEntry{{Path: "src/calc.py", Description: "arithmetic"}},
					Requirements: []string{"click"}}},
			want: []string{"Step: core", "Entry point: python -m src.calc", "• src/calc.py - arithmetic", "Requirements: click"},
		},
		{
			name: "tests failed",
			ev: &agent.ProgressEvent{Stage: agent.StageTest,
				Output: agent.TestOutput{Passed: false, ExitCode: 1, Feedback: "E   assert 1 == 2\n"}},
			want: []string{"✗ Tests failed (exit 1)", "Test output:\nE   assert 1 == 2"},
		},
		{
			name: "tests timed out",
			ev: &agent.ProgressEvent{Stage: agent.StageTest,
				Output: agent.TestOutput{TimedOut: true}},
			want: []string{"Tests timed out"},
		},
		{
			name: "tests passed",
			ev: &agent.ProgressEvent{Stage: agent.StageTest,
				Output: agent.TestOutput{Passed: true, Duration: 1500 * time.Millisecond}},
			want: []string{"✓ Tests passed in 1.5s"},
		},
		{
			name: "rework",
			ev: &agent.ProgressEvent{Stage: agent.StageRework,
				Output: agent.ReworkOutput{Attempt: 2, Description: "fixed parser"}},
			want: []string{"→ Rework attempt 2: fixed parser"},
		},
		{
			name: "final advance",
			ev: &agent.ProgressEvent{Stage: agent.StageAdvance, Next: agent.StageFinish,
				Output: agent.AdvanceOutput{Completed: "cli", Done: []string{"core", "cli"}}},
			want: []string{`✓ Completed "cli" (2/2)`, "All steps done"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := render(t, ModePlain, tt.ev)
			for _, want := range tt.want {
				assert.Contains(t, out, want)
			}
			assert.NotContains(t, out, "\x1b[")
		})
	}
}

func TestPrinter_JSONEvent(t *testing.T) {
	out := render(t, ModeJSON, &agent.ProgressEvent{
		RunID: "r1", Stage: agent.StageValidate, Edge: agent.EdgePlanAccepted,
		Output: agent.ValidationOutput{OK: true},
	})
	var rec struct {
		Type  string `json:"type"`
		Event struct {
			RunID  string         `json:"run_id"`
			Stage  string         `json:"stage"`
			Edge   string         `json:"edge"`
			Output map[string]any `json:"output"`
		} `json:"event"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "progress", rec.Type)
	assert.Equal(t, "r1", rec.Event.RunID)
	assert.Equal(t, "VALIDATE", rec.Event.Stage)
	assert.Equal(t, "plan_accepted", rec.Event.Edge)
	assert.Equal(t, true, rec.Event.Output["ok"])
}

func TestPrinter_RichContainsText(t *testing.T) {
	out := render(t, ModeRich, &agent.ProgressEvent{Stage: agent.StagePlan,
		Output: agent.PlanOutput{ProjectName: "calculator", Steps: []string{"core"}}})
	assert.Contains(t, out, "calculator")
	assert.Contains(t, out, "core")
}

func TestPrinter_NilEvent(t *testing.T) {
	assert.Empty(t, render(t, ModePlain, nil))
}

func TestPrinter_Summary(t *testing.T) {
	state, err := agent.NewProjectState("a CLI calculator")
	require.NoError(t, err)
	state.ProjectName = "calculator"
	state.ProjectFolder = "/w/calculator"
	state.EntryPoint = "python -m src.calc"
	state.SourceFiles.Upsert(agent.FileEntry{Path: "src/calc.py"})
	state.Requirements.Add("pytest", "click")

	var buf bytes.Buffer
	p := NewPrinter(&buf, ModePlain)
	require.NoError(t, p.Summary("run-1", state))
	out := buf.String()
	assert.Contains(t, out, "Project calculator is ready")
	assert.Contains(t, out, "Run it with: python -m src.calc")
	assert.Contains(t, out, "Requirements: click, pytest")

	assert.NoError(t, p.Summary("run-1", nil))
}

func TestPrinter_Failure(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModePlain)
	require.NoError(t, p.Failure("run-9", errors.New("stage REWORK: rework limit exceeded")))
	assert.Contains(t, buf.String(), "Run failed: stage REWORK")
	assert.Contains(t, buf.String(), "forge resume run-9")

	buf.Reset()
	p = NewPrinter(&buf, ModeJSON)
	require.NoError(t, p.Failure("run-9", errors.New("boom")))
	var rec map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "error", rec["type"])
	assert.Equal(t, "boom", rec["error"])
}

func TestPrinter_Table(t *testing.T) {
	headers := []string{"ID", "Project"}
	rows := [][]string{{"run-1", "calculator"}, {"run-2", "todo"}}

	var buf bytes.Buffer
	require.NoError(t, NewPrinter(&buf, ModePlain).Table(headers, rows))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "run-1"))
	assert.Contains(t, lines[1], "calculator")

	buf.Reset()
	require.NoError(t, NewPrinter(&buf, ModeJSON).Table(headers, rows))
	var recs []map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &recs))
	assert.Equal(t, "todo", recs[1]["project"])

	buf.Reset()
	require.NoError(t, NewPrinter(&buf, ModeRich).Table(headers, rows))
	assert.Contains(t, buf.String(), "calculator")
}

func TestTailLines(t *testing.T) {
	assert.Equal(t, "c\nd", TailLines("a\nb\nc\nd\n", 2))
	assert.Equal(t, "a\nb", TailLines("a\nb", 5))
	assert.Equal(t, "", TailLines("", 3))
}

func TestDetectMode(t *testing.T) {
	assert.Equal(t, ModePlain, DetectMode(nil))

	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, ModePlain, DetectMode(f))
}
