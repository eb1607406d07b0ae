// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for the agent package.
var (
	// ErrEmptyDescription indicates the software description is blank.
	ErrEmptyDescription = errors.New("software description must not be empty")

	// ErrInvariantViolation indicates the project state broke one of its rules.
	ErrInvariantViolation = errors.New("project state invariant violated")

	// ErrPlanning indicates plan generation or validation gave up after retries.
	ErrPlanning = errors.New("planning failed")

	// ErrModel indicates the model failed during implementation or rework.
	ErrModel = errors.New("model invocation failed")

	// ErrEnvironment indicates a file, environment or test capability failed.
	ErrEnvironment = errors.New("environment operation failed")

	// ErrNonConvergence is the parent of the loop-limit errors.
	ErrNonConvergence = errors.New("run did not converge")

	// ErrRecursionLimitExceeded indicates the global stage-execution limit was hit.
	ErrRecursionLimitExceeded = fmt.Errorf("%w: recursion limit exceeded", ErrNonConvergence)

	// ErrReworkLimitExceeded indicates a single step was reworked too many times.
	ErrReworkLimitExceeded = fmt.Errorf("%w: rework limit exceeded", ErrNonConvergence)

	// ErrCanceled indicates the run was canceled via context.
	ErrCanceled = errors.New("run canceled")

	// ErrNoStageRegistered indicates no executor exists for a stage.
	ErrNoStageRegistered = errors.New("no executor registered for stage")

	// ErrCheckpointNotFound indicates no checkpoint exists for a run.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrRunFinished indicates a resume was requested for a finished run.
	ErrRunFinished = errors.New("run already finished")

	// ErrInvalidConfig indicates the orchestrator configuration is invalid.
	ErrInvalidConfig = errors.New("invalid orchestrator configuration")
)

// StageError attaches stage and step context to a fatal run error.
//
// Description:
//
//	Every error yielded by Orchestrator.Run is a *StageError. Use
//	errors.Is against the sentinels above to classify it and errors.As to
//	recover the context.
type StageError struct {
	// Stage is the stage that was running or about to run.
	Stage Stage `json:"stage"`

	// Step is the current plan step, if any.
	Step string `json:"step,omitempty"`

	// Iteration is the state's iteration counter at the time of failure.
	Iteration int `json:"iteration"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("stage %s (step %q, iteration %d): %v", e.Stage, e.Step, e.Iteration, e.Err)
	}
	return fmt.Sprintf("stage %s (iteration %d): %v", e.Stage, e.Iteration, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// newStageError wraps err with the context of state at stage.
func newStageError(stage Stage, state *ProjectState, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	out := &StageError{Stage: stage, Err: err}
	if state != nil {
		out.Iteration = state.Iterations
		if head, ok := state.HeadStep(); ok {
			out.Step = head
		}
	}
	return out
}
