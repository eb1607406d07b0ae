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
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcStage adapts a function to StageExecutor.
type funcStage struct {
	name  string
	calls int
	fn    func(ctx context.Context, s *ProjectState) (StageOutput, error)
}

func (f *funcStage) Name() string { return f.name }

func (f *funcStage) Execute(ctx context.Context, s *ProjectState) (StageOutput, error) {
	f.calls++
	return f.fn(ctx, s)
}

// scriptedPipeline is a deterministic set of stages for loop tests.
type scriptedPipeline struct {
	plans        [][]string
	verdicts     []bool
	testResults  []bool
	planRequests []PlanRequest
	modes        []ImplementMode

	plan, validate, scaffold, implement, test, rework, advance *funcStage
}

func newScriptedPipeline() *scriptedPipeline {
	p := &scriptedPipeline{}
	p.plan = &funcStage{name: "plan", fn: func(_ context.Context, s *ProjectState) (StageOutput, error) {
		req := s.PlanRequest()
		p.planRequests = append(p.planRequests, req)
		steps := p.plans[0]
		if len(p.plans) > 1 {
			p.plans = p.plans[1:]
		}
		s.ResetPlan(steps)
		s.ProjectName = "calculator"
		_, revision := req.(RevisionPlan)
		return PlanOutput{ProjectName: s.ProjectName, Steps: steps, Revision: revision}, nil
	}}
	p.validate = &funcStage{name: "validate", fn: func(_ context.Context, s *ProjectState) (StageOutput, error) {
		ok := true
		if len(p.verdicts) > 0 {
			ok = p.verdicts[0]
			p.verdicts = p.verdicts[1:]
		}
		feedback := ""
		if !ok {
			feedback = "needs a persistence step"
		}
		s.SetPlanVerdict(ok, feedback)
		return ValidationOutput{OK: ok, Feedback: feedback}, nil
	}}
	p.scaffold = &funcStage{name: "scaffold", fn: func(_ context.Context, s *ProjectState) (StageOutput, error) {
		out := ScaffoldOutput{ProjectFolder: "/w/calculator", SourceFolder: "/w/calculator/src", TestFolder: "/w/calculator/tests", RuntimePath: "/w/calculator/venv/bin/python"}
		return out, s.SetScaffold(out)
	}}
	p.implement = &funcStage{name: "implement", fn: func(_ context.Context, s *ProjectState) (StageOutput, error) {
		step, _ := s.HeadStep()
		p.modes = append(p.modes, s.ImplementMode())
		s.CurrentStep = step
		path := fmt.Sprintf("src/step%d.py", len(s.StepsDone)+1)
		s.SourceFiles.Upsert(FileEntry{Path: path, Description: step})
		s.TestFiles.Upsert(FileEntry{Path: "tests/test_" + path[4:], Description: "tests for " + step})
		s.Requirements.Add("pytest")
		return ImplementOutput{Step: step}, nil
	}}
	p.test = &funcStage{name: "test", fn: func(_ context.Context, s *ProjectState) (StageOutput, error) {
		passed := true
		if len(p.testResults) > 0 {
			passed = p.testResults[0]
			if len(p.testResults) > 1 {
				p.testResults = p.testResults[1:]
			}
		}
		feedback := "1 passed"
		if !passed {
			feedback = "FAILED tests/test_step1.py::test_add"
		}
		s.SetTestVerdict(passed, feedback)
		return TestOutput{Passed: passed, Feedback: feedback}, nil
	}}
	p.rework = &funcStage{name: "rework", fn: func(_ context.Context, s *ProjectState) (StageOutput, error) {
		s.ReworkCount++
		s.Requirements.Add("click")
		return ReworkOutput{Description: "fixed", Attempt: s.ReworkCount}, nil
	}}
	p.advance = &funcStage{name: "advance", fn: func(_ context.Context, s *ProjectState) (StageOutput, error) {
		done, err := s.AdvanceStep()
		if err != nil {
			return nil, err
		}
		return AdvanceOutput{Completed: done, Todo: s.StepsTodo, Done: s.StepsDone}, nil
	}}
	return p
}

func (p *scriptedPipeline) registry(t *testing.T) *StageRegistry {
	t.Helper()
	r := NewStageRegistry()
	for stage, exec := range map[Stage]StageExecutor{
		StagePlan:      p.plan,
		StageValidate:  p.validate,
		StageScaffold:  p.scaffold,
		StageImplement: p.implement,
		StageTest:      p.test,
		StageRework:    p.rework,
		StageAdvance:   p.advance,
	} {
		require.NoError(t, r.Register(stage, exec))
	}
	return r
}

func collect(t *testing.T, o *Orchestrator, ctx context.Context, desc string) ([]*ProgressEvent, error) {
	t.Helper()
	var events []*ProgressEvent
	for ev, err := range o.Run(ctx, desc) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func stagesOf(events []*ProgressEvent) []Stage {
	out := make([]Stage, len(events))
	for i, ev := range events {
		out[i] = ev.Stage
	}
	return out
}

// memCheckpointer is an in-memory Checkpointer.
type memCheckpointer struct {
	mu    sync.Mutex
	snaps map[string]*Snapshot
	saves int
}

func newMemCheckpointer() *memCheckpointer {
	return &memCheckpointer{snaps: make(map[string]*Snapshot)}
}

func (m *memCheckpointer) Save(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.RunID] = snap
	m.saves++
	return nil
}

func (m *memCheckpointer) Load(_ context.Context, runID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, runID)
	}
	copied := *snap
	copied.State = snap.State.Clone()
	return &copied, nil
}

func TestOrchestrator_CalculatorHappyPath(t *testing.T) {
	p := newScriptedPipeline()
	p.plans = [][]string{{"parse expressions", "evaluate", "command line interface"}}

	o, err := NewOrchestrator(p.registry(t))
	require.NoError(t, err)

	events, err := collect(t, o, context.Background(), "a CLI calculator")
	require.NoError(t, err)

	want := []Stage{
		StagePlan, StageValidate, StageScaffold,
		StageImplement, StageTest, StageAdvance,
		StageImplement, StageTest, StageAdvance,
		StageImplement, StageTest, StageAdvance,
	}
	assert.Equal(t, want, stagesOf(events))

	last := events[len(events)-1]
	assert.True(t, last.IsFinal())
	assert.Equal(t, EdgeAllStepsDone, last.Edge)
	assert.Equal(t, last.State.PlanSteps, last.State.StepsDone)
	assert.Empty(t, last.State.StepsTodo)
	assert.Equal(t, 3, last.State.SourceFiles.Len())
	assert.Equal(t, len(want), last.State.Iterations)

	for i, ev := range events {
		assert.Equal(t, i+1, ev.Sequence)
		assert.Equal(t, ev.Stage, ev.Output.Stage(), "output type matches stage")
	}
	assert.Zero(t, p.rework.calls)
}

func TestOrchestrator_StepsDoneMonotonic(t *testing.T) {
	p := newScriptedPipeline()
	p.plans = [][]string{{"a", "b", "c", "d"}}
	p.testResults = []bool{false, true}

	o, err := NewOrchestrator(p.registry(t))
	require.NoError(t, err)

	prev := 0
	for ev, err := range o.Run(context.Background(), "monotonic") {
		require.NoError(t, err)
		done := len(ev.State.StepsDone)
		assert.GreaterOrEqual(t, done, prev)
		if ev.Stage != StageAdvance {
			assert.Equal(t, prev, done, "only ADVANCE may grow StepsDone")
		}
		prev = done
	}
	assert.Equal(t, 4, prev)
}

func TestOrchestrator_RejectedPlanIsRevised(t *testing.T) {
	p := newScriptedPipeline()
	p.plans = [][]string{{"everything"}, {"storage", "api"}}
	p.verdicts = []bool{false, true}

	o, err := NewOrchestrator(p.registry(t))
	require.NoError(t, err)

	events, err := collect(t, o, context.Background(), "a todo service")
	require.NoError(t, err)

	assert.Equal(t, []Stage{StagePlan, StageValidate, StagePlan, StageValidate, StageScaffold}, stagesOf(events)[:5])
	require.Len(t, p.planRequests, 2)

	_, fresh := p.planRequests[0].(FreshPlan)
	assert.True(t, fresh)

	rev, ok := p.planRequests[1].(RevisionPlan)
	require.True(t, ok, "second plan request must be a revision, got %T", p.planRequests[1])
	assert.Equal(t, "needs a persistence step", rev.Feedback)
	assert.Equal(t, []string{"everything"}, rev.PriorSteps)

	assert.True(t, events[2].Output.(PlanOutput).Revision)
	assert.Equal(t, []string{"storage", "api"}, events[len(events)-1].State.StepsDone)
	assert.Equal(t, 1, p.scaffold.calls)
}

func TestOrchestrator_FailingTestsLoopThroughRework(t *testing.T) {
	p := newScriptedPipeline()
	p.plans = [][]string{{"only step"}}
	p.testResults = []bool{false, false, true}

	o, err := NewOrchestrator(p.registry(t))
	require.NoError(t, err)

	events, err := collect(t, o, context.Background(), "a CLI calculator")
	require.NoError(t, err)

	want := []Stage{
		StagePlan, StageValidate, StageScaffold, StageImplement,
		StageTest, StageRework, StageTest, StageRework, StageTest, StageAdvance,
	}
	assert.Equal(t, want, stagesOf(events))
	assert.Equal(t, 2, events[7].Output.(ReworkOutput).Attempt)

	final := events[len(events)-1].State
	assert.True(t, final.Requirements.Has("click"), "rework requirements are merged")
	assert.True(t, final.Requirements.Has("pytest"), "implementation requirements survive rework")
	assert.Zero(t, final.ReworkCount, "advance resets the rework counter")
}

func TestOrchestrator_RecursionLimit(t *testing.T) {
	p := newScriptedPipeline()
	p.plans = [][]string{{"never passes"}}
	p.testResults = []bool{false}

	o, err := NewOrchestrator(p.registry(t), WithConfig(Config{RecursionLimit: 10}))
	require.NoError(t, err)

	events, err := collect(t, o, context.Background(), "x")
	require.Error(t, err)
	assert.Len(t, events, 10)
	assert.ErrorIs(t, err, ErrRecursionLimitExceeded)
	assert.ErrorIs(t, err, ErrNonConvergence)
	assert.NotErrorIs(t, err, ErrReworkLimitExceeded)

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StageTest, serr.Stage)
	assert.Equal(t, "never passes", serr.Step)
	assert.Equal(t, 10, serr.Iteration)
}

func TestOrchestrator_ReworkLimit(t *testing.T) {
	p := newScriptedPipeline()
	p.plans = [][]string{{"never passes"}}
	p.testResults = []bool{false}

	o, err := NewOrchestrator(p.registry(t), WithConfig(Config{RecursionLimit: 100, MaxReworksPerStep: 2}))
	require.NoError(t, err)

	_, err = collect(t, o, context.Background(), "x")
	assert.ErrorIs(t, err, ErrReworkLimitExceeded)
	assert.ErrorIs(t, err, ErrNonConvergence)
	assert.NotErrorIs(t, err, ErrRecursionLimitExceeded)
	assert.Equal(t, 4, p.rework.calls, "two reworks, a re-implementation, then two more")
	assert.Equal(t, 2, p.implement.calls)
	assert.Equal(t, []ImplementMode{ImplementFirstAttempt, ImplementReworkAware}, p.modes)

	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StageRework, serr.Stage)
}

func TestOrchestrator_ReworkLimitReimplementsStep(t *testing.T) {
	p := newScriptedPipeline()
	p.plans = [][]string{{"add numbers"}}
	p.testResults = []bool{false, false, true}

	o, err := NewOrchestrator(p.registry(t), WithConfig(Config{RecursionLimit: 100, MaxReworksPerStep: 1}))
	require.NoError(t, err)

	events, err := collect(t, o, context.Background(), "x")
	require.NoError(t, err)

	want := []Stage{
		StagePlan, StageValidate, StageScaffold,
		StageImplement, StageTest, StageRework, StageTest,
		StageImplement, StageTest, StageAdvance,
	}
	assert.Equal(t, want, stagesOf(events))
	assert.Equal(t, []ImplementMode{ImplementFirstAttempt, ImplementReworkAware}, p.modes)
	assert.Equal(t, 1, p.rework.calls)

	reimpl := events[7].State
	assert.True(t, reimpl.Reimplemented)
	assert.Zero(t, reimpl.ReworkCount)

	final := events[len(events)-1].State
	assert.False(t, final.Reimplemented, "advance clears the re-implementation flag")
	assert.Equal(t, []string{"add numbers"}, final.StepsDone)
}

func TestOrchestrator_EmptyDescription(t *testing.T) {
	p := newScriptedPipeline()
	o, err := NewOrchestrator(p.registry(t))
	require.NoError(t, err)

	events, err := collect(t, o, context.Background(), "  ")
	assert.Empty(t, events)
	assert.ErrorIs(t, err, ErrEmptyDescription)
	assert.Zero(t, p.plan.calls)
}

func TestOrchestrator_LazyAndStoppable(t *testing.T) {
	p := newScriptedPipeline()
	p.plans = [][]string{{"a"}}

	o, err := NewOrchestrator(p.registry(t))
	require.NoError(t, err)

	seq := o.Run(context.Background(), "lazy")
	assert.Zero(t, p.plan.calls, "nothing runs before the sequence is consumed")

	n := 0
	for _, err := range seq {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 1, p.plan.calls)
	assert.Equal(t, 1, p.validate.calls)
	assert.Zero(t, p.scaffold.calls, "stages after the break must not run")
}

func TestOrchestrator_StageErrorIsFatal(t *testing.T) {
	p := newScriptedPipeline()
	p.plans = [][]string{{"a"}}
	p.scaffold.fn = func(context.Context, *ProjectState) (StageOutput, error) {
		return nil, fmt.Errorf("%w: venv creation failed", ErrEnvironment)
	}

	o, err := NewOrchestrator(p.registry(t))
	require.NoError(t, err)

	var errs []error
	count := 0
	for ev, err := range o.Run(context.Background(), "x") {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		require.NotNil(t, ev)
		count++
	}
	require.Len(t, errs, 1, "the error is yielded exactly once")
	assert.Equal(t, 2, count)
	assert.ErrorIs(t, errs[0], ErrEnvironment)

	var serr *StageError
	require.ErrorAs(t, errs[0], &serr)
	assert.Equal(t, StageScaffold, serr.Stage)
	assert.Contains(t, serr.Error(), "SCAFFOLD")
	assert.Zero(t, p.implement.calls)
}

func TestOrchestrator_Canceled(t *testing.T) {
	p := newScriptedPipeline()
	p.plans = [][]string{{"a"}}
	o, err := NewOrchestrator(p.registry(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = collect(t, o, ctx, "x")
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Zero(t, p.plan.calls)
}

func TestOrchestrator_Execute(t *testing.T) {
	p := newScriptedPipeline()
	p.plans = [][]string{{"a", "b"}}
	o, err := NewOrchestrator(p.registry(t))
	require.NoError(t, err)

	final, err := o.Execute(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, final.StepsDone)
	assert.True(t, final.IsComplete())
}

func TestOrchestrator_CheckpointAndResume(t *testing.T) {
	p := newScriptedPipeline()
	p.plans = [][]string{{"a", "b"}}
	cp := newMemCheckpointer()

	o, err := NewOrchestrator(p.registry(t), WithCheckpointer(cp))
	require.NoError(t, err)

	n := 0
	for ev, err := range o.RunWithID(context.Background(), "run-1", "x") {
		require.NoError(t, err)
		n++
		if ev.Stage == StageScaffold {
			break
		}
	}
	assert.Equal(t, 3, n)

	snap, err := cp.Load(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, StageImplement, snap.NextStage)
	assert.Equal(t, 3, snap.Sequence)

	var resumed []*ProgressEvent
	for ev, err := range o.Resume(context.Background(), "run-1") {
		require.NoError(t, err)
		resumed = append(resumed, ev)
	}
	require.NotEmpty(t, resumed)
	assert.Equal(t, StageImplement, resumed[0].Stage)
	assert.Equal(t, 4, resumed[0].Sequence)
	assert.True(t, resumed[len(resumed)-1].IsFinal())
	assert.Equal(t, 1, p.scaffold.calls, "scaffolding does not run again on resume")

	for _, err := range o.Resume(context.Background(), "run-1") {
		assert.ErrorIs(t, err, ErrRunFinished)
	}
}

func TestOrchestrator_FailureCheckpointAllowsRetry(t *testing.T) {
	p := newScriptedPipeline()
	p.plans = [][]string{{"a"}}
	cp := newMemCheckpointer()

	failing := true
	orig := p.implement.fn
	p.implement.fn = func(ctx context.Context, s *ProjectState) (StageOutput, error) {
		if failing {
			return nil, fmt.Errorf("%w: provider down", ErrModel)
		}
		return orig(ctx, s)
	}

	o, err := NewOrchestrator(p.registry(t), WithCheckpointer(cp))
	require.NoError(t, err)

	for _, err := range o.RunWithID(context.Background(), "run-2", "x") {
		if err != nil {
			assert.ErrorIs(t, err, ErrModel)
		}
	}
	snap, err := cp.Load(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Equal(t, StageImplement, snap.NextStage)
	assert.NotEmpty(t, snap.Error)

	failing = false
	final, err := drain(o.Resume(context.Background(), "run-2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, final.StepsDone)
}

func TestOrchestrator_ResumeWithoutCheckpointer(t *testing.T) {
	p := newScriptedPipeline()
	o, err := NewOrchestrator(p.registry(t))
	require.NoError(t, err)

	_, err = drain(o.Resume(context.Background(), "missing"))
	assert.True(t, errors.Is(err, ErrCheckpointNotFound))
}

func TestOrchestrator_EventHandlers(t *testing.T) {
	p := newScriptedPipeline()
	p.plans = [][]string{{"a"}}

	var seen []Stage
	o, err := NewOrchestrator(p.registry(t),
		WithEventHandler(func(*ProgressEvent) { panic("bad handler") }),
		WithEventHandler(func(ev *ProgressEvent) { seen = append(seen, ev.Stage) }),
	)
	require.NoError(t, err)

	_, err = o.Execute(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, seen, 6)
}

func TestNewOrchestrator_Validation(t *testing.T) {
	_, err := NewOrchestrator(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewOrchestrator(NewStageRegistry())
	assert.ErrorIs(t, err, ErrNoStageRegistered)

	p := newScriptedPipeline()
	_, err = NewOrchestrator(p.registry(t), WithConfig(Config{RecursionLimit: 0}))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStageRegistry_RejectsTerminal(t *testing.T) {
	r := NewStageRegistry()
	err := r.Register(StageFinish, &funcStage{name: "finish"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Len(t, r.Missing(), 7)
	assert.Panics(t, func() { r.MustGet(StagePlan) })
}
