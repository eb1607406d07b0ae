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
	"fmt"
	"sort"
	"sync"
)

// StageRegistry maps stages to their executors.
//
// Thread Safety: StageRegistry is safe for concurrent use.
type StageRegistry struct {
	mu     sync.RWMutex
	stages map[Stage]StageExecutor
}

// NewStageRegistry creates an empty registry. Use Register to add stages.
func NewStageRegistry() *StageRegistry {
	return &StageRegistry{
		stages: make(map[Stage]StageExecutor),
	}
}

// Register associates an executor with a stage, replacing any previous one.
//
// Inputs:
//
//	stage - The stage to register for. Terminal stages are rejected.
//	executor - The executor. Nil is ignored.
//
// Outputs:
//
//	error - Non-nil if stage is terminal or unknown
func (r *StageRegistry) Register(stage Stage, executor StageExecutor) error {
	if executor == nil {
		return nil
	}
	if !stage.IsValid() || stage.IsTerminal() {
		return fmt.Errorf("%w: cannot register executor for %s", ErrInvalidConfig, stage)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.stages[stage] = executor
	return nil
}

// Get returns the executor for stage.
func (r *StageRegistry) Get(stage Stage) (StageExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	executor, ok := r.stages[stage]
	return executor, ok
}

// MustGet returns the executor for stage or panics.
func (r *StageRegistry) MustGet(stage Stage) StageExecutor {
	executor, ok := r.Get(stage)
	if !ok {
		panic(fmt.Sprintf("no executor registered for stage %s", stage))
	}
	return executor
}

// Missing returns the working stages that have no executor, sorted.
func (r *StageRegistry) Missing() []Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []Stage
	for _, stage := range AllStages() {
		if stage.IsTerminal() {
			continue
		}
		if _, ok := r.stages[stage]; !ok {
			missing = append(missing, stage)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// Count returns the number of registered executors.
func (r *StageRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stages)
}
