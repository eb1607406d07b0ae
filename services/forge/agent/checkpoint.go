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
	"context"
	"time"
)

// Snapshot is the persisted state of a run at a stage boundary.
type Snapshot struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// NextStage is the stage a resumed run starts with.
	NextStage Stage `json:"next_stage"`

	// Sequence is the number of progress events emitted so far.
	Sequence int `json:"sequence"`

	// State is the project state to resume from.
	State *ProjectState `json:"state"`

	// Error is the message of the fatal error that stopped the run, if any.
	Error string `json:"error,omitempty"`

	// CreatedAt is when the run started.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the snapshot was written.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsFinished returns true if the run reached FINISH.
func (s *Snapshot) IsFinished() bool {
	return s.NextStage == StageFinish
}

// Checkpointer persists snapshots between stages.
//
// Load must return an error wrapping ErrCheckpointNotFound for unknown runs.
type Checkpointer interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, runID string) (*Snapshot, error)
}

// Instrumentation observes stage executions.
//
// Description:
//
//	StartStage is called before a stage runs. The returned context is
//	passed to the stage and the returned function is called with the
//	stage's error once it finishes.
type Instrumentation interface {
	StartStage(ctx context.Context, runID string, stage Stage) (context.Context, func(err error))
}

type noopInstrumentation struct{}

func (noopInstrumentation) StartStage(ctx context.Context, _ string, _ Stage) (context.Context, func(error)) {
	return ctx, func(error) {}
}
