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
)

// InitialStage is where every fresh run starts.
const InitialStage = StagePlan

// DecisionFunc picks the outgoing edge after a stage completed.
//
// Decision functions are pure: they read the state and never mutate it.
type DecisionFunc func(state *ProjectState) (Edge, error)

// route is one row of the transition table.
type route struct {
	decide DecisionFunc
	edges  map[Edge]Stage
}

// TransitionTable maps each stage to its decision function and edges.
//
// The table encodes the following graph:
//
//	PLAN      → VALIDATE  : planned
//	VALIDATE  → SCAFFOLD  : plan_accepted
//	VALIDATE  → PLAN      : plan_rejected (revision mode)
//	SCAFFOLD  → IMPLEMENT : scaffolded
//	IMPLEMENT → TEST      : implemented
//	TEST      → ADVANCE   : tests_passed
//	TEST      → REWORK    : tests_failed
//	REWORK    → TEST      : reworked
//	ADVANCE   → IMPLEMENT : steps_remaining
//	ADVANCE   → FINISH    : all_steps_done
//
// Thread Safety:
//
//	TransitionTable is immutable after construction and safe for
//	concurrent use.
type TransitionTable struct {
	routes map[Stage]route
}

// DefaultTransitionTable is the table used by the Orchestrator.
var DefaultTransitionTable = NewTransitionTable()

// NewTransitionTable builds the static transition table.
func NewTransitionTable() *TransitionTable {
	return &TransitionTable{routes: map[Stage]route{
		StagePlan: {
			decide: always(EdgePlanned),
			edges:  map[Edge]Stage{EdgePlanned: StageValidate},
		},
		StageValidate: {
			decide: decideValidation,
			edges: map[Edge]Stage{
				EdgePlanAccepted: StageScaffold,
				EdgePlanRejected: StagePlan,
			},
		},
		StageScaffold: {
			decide: always(EdgeScaffolded),
			edges:  map[Edge]Stage{EdgeScaffolded: StageImplement},
		},
		StageImplement: {
			decide: always(EdgeImplemented),
			edges:  map[Edge]Stage{EdgeImplemented: StageTest},
		},
		StageTest: {
			decide: decideTests,
			edges: map[Edge]Stage{
				EdgeTestsPassed: StageAdvance,
				EdgeTestsFailed: StageRework,
			},
		},
		StageRework: {
			decide: always(EdgeReworked),
			edges:  map[Edge]Stage{EdgeReworked: StageTest},
		},
		StageAdvance: {
			decide: decideAdvance,
			edges: map[Edge]Stage{
				EdgeStepsRemaining: StageImplement,
				EdgeAllStepsDone:   StageFinish,
			},
		},
	}}
}

// Next evaluates the decision for stage and returns the edge and next stage.
//
// Inputs:
//
//	stage - The stage that just completed
//	state - The state after the stage's mutations
//
// Outputs:
//
//	Edge - The edge taken
//	Stage - The stage to run next
//	error - ErrInvariantViolation if the stage has no route or the
//	        decision cannot be made from the state
func (t *TransitionTable) Next(stage Stage, state *ProjectState) (Edge, Stage, error) {
	r, ok := t.routes[stage]
	if !ok {
		return "", "", fmt.Errorf("%w: no route out of %s", ErrInvariantViolation, stage)
	}
	edge, err := r.decide(state)
	if err != nil {
		return "", "", err
	}
	next, ok := r.edges[edge]
	if !ok {
		return "", "", fmt.Errorf("%w: edge %s not defined for %s", ErrInvariantViolation, edge, stage)
	}
	return edge, next, nil
}

// CanTransition reports whether any edge leads from one stage to another.
func (t *TransitionTable) CanTransition(from, to Stage) bool {
	r, ok := t.routes[from]
	if !ok {
		return false
	}
	for _, next := range r.edges {
		if next == to {
			return true
		}
	}
	return false
}

// ValidTransitionsFrom returns the stages reachable in one edge, sorted.
func (t *TransitionTable) ValidTransitionsFrom(from Stage) []Stage {
	r, ok := t.routes[from]
	if !ok {
		return nil
	}
	seen := make(map[Stage]bool, len(r.edges))
	out := make([]Stage, 0, len(r.edges))
	for _, next := range r.edges {
		if !seen[next] {
			seen[next] = true
			out = append(out, next)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TransitionReason returns a human-readable reason for an edge.
func TransitionReason(edge Edge) string {
	reasons := map[Edge]string{
		EdgePlanned:        "Plan generated, awaiting review",
		EdgePlanAccepted:   "Plan accepted, creating project",
		EdgePlanRejected:   "Plan rejected, revising with feedback",
		EdgeScaffolded:     "Project created, implementing first step",
		EdgeImplemented:    "Step implemented, running tests",
		EdgeTestsPassed:    "Tests passed, advancing",
		EdgeTestsFailed:    "Tests failed, reworking code",
		EdgeReworked:       "Code reworked, re-running tests",
		EdgeStepsRemaining: "Steps remaining, implementing next step",
		EdgeAllStepsDone:   "All steps done",
	}
	if r, ok := reasons[edge]; ok {
		return r
	}
	return "Unknown transition"
}

func always(edge Edge) DecisionFunc {
	return func(*ProjectState) (Edge, error) { return edge, nil }
}

func decideValidation(state *ProjectState) (Edge, error) {
	if state.PlanOK == nil {
		return "", fmt.Errorf("%w: validation produced no verdict", ErrInvariantViolation)
	}
	if *state.PlanOK {
		return EdgePlanAccepted, nil
	}
	return EdgePlanRejected, nil
}

func decideTests(state *ProjectState) (Edge, error) {
	if state.TestResult == nil {
		return "", fmt.Errorf("%w: test run produced no verdict", ErrInvariantViolation)
	}
	if *state.TestResult {
		return EdgeTestsPassed, nil
	}
	return EdgeTestsFailed, nil
}

func decideAdvance(state *ProjectState) (Edge, error) {
	if len(state.StepsTodo) == 0 {
		return EdgeAllStepsDone, nil
	}
	return EdgeStepsRemaining, nil
}
