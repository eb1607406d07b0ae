// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent provides the orchestration core of Forge, the autonomous
// software-generation agent.
//
// A run threads a single ProjectState through a fixed set of stages:
// PLAN, VALIDATE, SCAFFOLD, IMPLEMENT, TEST, REWORK and ADVANCE. After each
// stage a pure decision function over the state selects the outgoing edge,
// and the static transition table maps that edge to the next stage. The run
// ends in FINISH once every planned step has been implemented and tested.
//
// Thread Safety:
//
//	The Orchestrator runs stages strictly one at a time. ProjectState is
//	owned by the running Orchestrator and is not safe for concurrent
//	mutation; observers receive cloned snapshots.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Stage identifies a node in the orchestration graph.
type Stage string

const (
	// StagePlan asks the model for a project plan.
	StagePlan Stage = "PLAN"

	// StageValidate asks the model to review the plan.
	StageValidate Stage = "VALIDATE"

	// StageScaffold creates the project layout and runtime environment.
	StageScaffold Stage = "SCAFFOLD"

	// StageImplement implements the head of the todo list.
	StageImplement Stage = "IMPLEMENT"

	// StageTest installs requirements and runs the test suite.
	StageTest Stage = "TEST"

	// StageRework fixes code after a failed test run.
	StageRework Stage = "REWORK"

	// StageAdvance moves the current step from todo to done.
	StageAdvance Stage = "ADVANCE"

	// StageFinish is the terminal success state.
	StageFinish Stage = "FINISH"

	// StageFailed is the terminal failure state.
	StageFailed Stage = "ERROR"
)

// String returns the string representation of the stage.
func (s Stage) String() string {
	return string(s)
}

// IsTerminal returns true for FINISH and ERROR.
func (s Stage) IsTerminal() bool {
	return s == StageFinish || s == StageFailed
}

// IsValid returns true if s is one of the known stages.
func (s Stage) IsValid() bool {
	for _, st := range AllStages() {
		if st == s {
			return true
		}
	}
	return false
}

// AllStages returns every stage in pipeline order.
//
// Outputs:
//
//	[]Stage - The seven working stages followed by FINISH and ERROR
func AllStages() []Stage {
	return []Stage{
		StagePlan,
		StageValidate,
		StageScaffold,
		StageImplement,
		StageTest,
		StageRework,
		StageAdvance,
		StageFinish,
		StageFailed,
	}
}

// Edge names a labelled transition out of a stage.
type Edge string

const (
	EdgePlanned        Edge = "planned"
	EdgePlanAccepted   Edge = "plan_accepted"
	EdgePlanRejected   Edge = "plan_rejected"
	EdgeScaffolded     Edge = "scaffolded"
	EdgeImplemented    Edge = "implemented"
	EdgeTestsPassed    Edge = "tests_passed"
	EdgeTestsFailed    Edge = "tests_failed"
	EdgeReworked       Edge = "reworked"
	EdgeStepsRemaining Edge = "steps_remaining"
	EdgeAllStepsDone   Edge = "all_steps_done"
)

// StageExecutor runs one stage against the project state.
//
// Description:
//
//	Execute mutates the state in place and returns the typed output that
//	is published as the stage's progress event. It must not decide the
//	next stage; routing is the transition table's job.
type StageExecutor interface {
	// Name returns the executor's name for logging and metrics.
	Name() string

	// Execute runs the stage.
	Execute(ctx context.Context, state *ProjectState) (StageOutput, error)
}

// StageOutput is the payload a stage reports on completion.
type StageOutput interface {
	// Stage returns the stage that produced the output.
	Stage() Stage
}

// FileEntry is a path with a short description of its contents.
type FileEntry struct {
	Path        string `json:"path" validate:"required"`
	Description string `json:"description"`
}

// PlanOutput is reported by the PLAN stage.
type PlanOutput struct {
	ProjectName string   `json:"project_name"`
	Description string   `json:"description"`
	Steps       []string `json:"steps"`
	Revision    bool     `json:"revision"`
}

// Stage implements StageOutput.
func (PlanOutput) Stage() Stage { return StagePlan }

// ValidationOutput is reported by the VALIDATE stage.
type ValidationOutput struct {
	OK       bool   `json:"ok"`
	Feedback string `json:"feedback"`
}

// Stage implements StageOutput.
func (ValidationOutput) Stage() Stage { return StageValidate }

// ScaffoldOutput is reported by the SCAFFOLD stage.
type ScaffoldOutput struct {
	ProjectFolder string `json:"project_folder"`
	SourceFolder  string `json:"source_folder"`
	TestFolder    string `json:"test_folder"`
	RuntimePath   string `json:"runtime_path"`
}

// Stage implements StageOutput.
func (ScaffoldOutput) Stage() Stage { return StageScaffold }

// ImplementOutput is reported by the IMPLEMENT stage.
type ImplementOutput struct {
	Step         string      `json:"step"`
	Description  string      `json:"description"`
	EntryPoint   string      `json:"entry_point"`
	SourceFiles  []FileEntry `json:"source_files"`
	TestFiles    []FileEntry `json:"test_files"`
	Requirements []string    `json:"requirements"`
	ReworkAware  bool        `json:"rework_aware"`
}

// Stage implements StageOutput.
func (ImplementOutput) Stage() Stage { return StageImplement }

// TestOutput is reported by the TEST stage.
type TestOutput struct {
	Passed   bool          `json:"passed"`
	Feedback string        `json:"feedback"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Stage implements StageOutput.
func (TestOutput) Stage() Stage { return StageTest }

// ReworkOutput is reported by the REWORK stage.
type ReworkOutput struct {
	Description  string   `json:"description"`
	Requirements []string `json:"requirements"`
	Attempt      int      `json:"attempt"`
}

// Stage implements StageOutput.
func (ReworkOutput) Stage() Stage { return StageRework }

// AdvanceOutput is reported by the ADVANCE stage.
type AdvanceOutput struct {
	Completed string   `json:"completed"`
	Todo      []string `json:"todo"`
	Done      []string `json:"done"`
}

// Stage implements StageOutput.
func (AdvanceOutput) Stage() Stage { return StageAdvance }

// ProgressEvent describes one completed stage of a run.
//
// Description:
//
//	Events are produced lazily by Orchestrator.Run, one per completed
//	stage, in execution order. State is a clone taken after the stage's
//	mutations were applied, so consumers may retain it.
type ProgressEvent struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// RunID identifies the run that produced the event.
	RunID string `json:"run_id"`

	// Sequence is the 1-indexed position of the event within the run.
	Sequence int `json:"sequence"`

	// Stage is the stage that completed.
	Stage Stage `json:"stage"`

	// Edge is the decision taken after the stage.
	Edge Edge `json:"edge"`

	// Next is the stage that will run next, or FINISH.
	Next Stage `json:"next"`

	// Iteration is the state's iteration counter after the stage.
	Iteration int `json:"iteration"`

	// Duration is how long the stage took.
	Duration time.Duration `json:"duration"`

	// Timestamp is when the stage completed.
	Timestamp time.Time `json:"timestamp"`

	// Output carries the stage's typed fields.
	Output StageOutput `json:"output"`

	// State is a snapshot of the project state after the stage.
	State *ProjectState `json:"-"`
}

// IsFinal returns true if the event completed the run.
func (e *ProgressEvent) IsFinal() bool {
	return e != nil && e.Next == StageFinish
}

// UnmarshalJSON decodes Output into the concrete output type of Stage.
func (e *ProgressEvent) UnmarshalJSON(data []byte) error {
	type plain ProgressEvent
	aux := struct {
		*plain
		Output json.RawMessage `json:"output"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	out, err := decodeOutput(e.Stage, aux.Output)
	if err != nil {
		return err
	}
	e.Output = out
	return nil
}

func decodeOutput(stage Stage, raw json.RawMessage) (StageOutput, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch stage {
	case StagePlan:
		return decodeAs[PlanOutput](stage, raw)
	case StageValidate:
		return decodeAs[ValidationOutput](stage, raw)
	case StageScaffold:
		return decodeAs[ScaffoldOutput](stage, raw)
	case StageImplement:
		return decodeAs[ImplementOutput](stage, raw)
	case StageTest:
		return decodeAs[TestOutput](stage, raw)
	case StageRework:
		return decodeAs[ReworkOutput](stage, raw)
	case StageAdvance:
		return decodeAs[AdvanceOutput](stage, raw)
	default:
		return nil, fmt.Errorf("no output type for stage %q", stage)
	}
}

func decodeAs[T StageOutput](stage Stage, raw json.RawMessage) (StageOutput, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s output: %w", stage, err)
	}
	return out, nil
}
