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
	"log/slog"
	"slices"

	"github.com/AleutianAI/AleutianForge/services/forge/agent"
)

// AdvanceStage completes the current step.
type AdvanceStage struct{}

// NewAdvanceStage creates the ADVANCE executor.
func NewAdvanceStage() *AdvanceStage {
	return &AdvanceStage{}
}

// Name implements agent.StageExecutor.
func (s *AdvanceStage) Name() string { return "advance" }

// Execute implements agent.StageExecutor.
func (s *AdvanceStage) Execute(_ context.Context, state *agent.ProjectState) (agent.StageOutput, error) {
	done, err := state.AdvanceStep()
	if err != nil {
		return nil, err
	}
	slog.Info("Step completed",
		slog.String("step", done),
		slog.Int("remaining", len(state.StepsTodo)),
	)
	return agent.AdvanceOutput{
		Completed: done,
		Todo:      slices.Clone(state.StepsTodo),
		Done:      slices.Clone(state.StepsDone),
	}, nil
}
