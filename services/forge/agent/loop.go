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
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventHandler receives progress events as they are produced.
type EventHandler func(event *ProgressEvent)

// Orchestrator drives a ProjectState through the stage graph.
//
// Description:
//
//	The Orchestrator looks up the executor for the current stage, runs
//	it, asks the transition table for the next stage and yields one
//	ProgressEvent per completed stage. It enforces the recursion limit
//	and the per-step rework cap, and writes a checkpoint after every
//	stage when a Checkpointer is configured.
//
// Thread Safety:
//
//	An Orchestrator may run several independent runs concurrently. Each
//	run owns its own ProjectState.
type Orchestrator struct {
	registry     *StageRegistry
	table        *TransitionTable
	config       Config
	checkpointer Checkpointer
	instr        Instrumentation
	handlers     []EventHandler
	now          func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithConfig sets the loop limits.
func WithConfig(cfg Config) OrchestratorOption {
	return func(o *Orchestrator) {
		o.config = cfg
	}
}

// WithCheckpointer enables checkpoints at stage boundaries.
func WithCheckpointer(cp Checkpointer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.checkpointer = cp
	}
}

// WithInstrumentation sets the stage observer used for tracing and metrics.
func WithInstrumentation(instr Instrumentation) OrchestratorOption {
	return func(o *Orchestrator) {
		if instr != nil {
			o.instr = instr
		}
	}
}

// WithEventHandler adds a handler called for every progress event.
//
// Handlers run synchronously before the event is yielded to the
// consumer. A panicking handler is recovered and logged.
func WithEventHandler(h EventHandler) OrchestratorOption {
	return func(o *Orchestrator) {
		if h != nil {
			o.handlers = append(o.handlers, h)
		}
	}
}

// WithTransitionTable replaces the default transition table.
func WithTransitionTable(t *TransitionTable) OrchestratorOption {
	return func(o *Orchestrator) {
		if t != nil {
			o.table = t
		}
	}
}

// NewOrchestrator creates an Orchestrator for the given stages.
//
// Inputs:
//
//	registry - Executors for every working stage
//	opts - Optional configuration
//
// Outputs:
//
//	*Orchestrator - The configured orchestrator
//	error - ErrInvalidConfig if a stage is missing or a limit is invalid
func NewOrchestrator(registry *StageRegistry, opts ...OrchestratorOption) (*Orchestrator, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: registry must not be nil", ErrInvalidConfig)
	}
	o := &Orchestrator{
		registry: registry,
		table:    DefaultTransitionTable,
		config:   DefaultConfig(),
		instr:    noopInstrumentation{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.config.Validate(); err != nil {
		return nil, err
	}
	if missing := registry.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoStageRegistered, missing)
	}
	return o, nil
}

// Config returns the loop limits in effect.
func (o *Orchestrator) Config() Config {
	return o.config
}

// Run starts a new run for description.
//
// Description:
//
//	Returns a lazy, finite sequence. Stages execute only as the consumer
//	pulls events; breaking out of the range loop stops the run. Each
//	successful stage yields (event, nil). A fatal error yields
//	(nil, *StageError) exactly once and ends the sequence. The sequence
//	is single-use.
//
// Inputs:
//
//	ctx - Context for cancellation
//	description - The software description. Must not be blank.
//
// Outputs:
//
//	iter.Seq2[*ProgressEvent, error] - The progress sequence
func (o *Orchestrator) Run(ctx context.Context, description string) iter.Seq2[*ProgressEvent, error] {
	return o.RunWithID(ctx, uuid.NewString(), description)
}

// RunWithID is Run with a caller-chosen run ID.
func (o *Orchestrator) RunWithID(ctx context.Context, runID, description string) iter.Seq2[*ProgressEvent, error] {
	return func(yield func(*ProgressEvent, error) bool) {
		state, err := NewProjectState(description)
		if err != nil {
			yield(nil, newStageError(InitialStage, nil, err))
			return
		}
		slog.Info("Starting run",
			slog.String("run_id", runID),
			slog.Int("recursion_limit", o.config.RecursionLimit),
			slog.Int("max_reworks_per_step", o.config.MaxReworksPerStep),
		)
		o.drive(ctx, &runCursor{
			runID:     runID,
			stage:     InitialStage,
			state:     state,
			createdAt: o.now(),
		}, yield)
	}
}

// Resume continues a run from its latest checkpoint.
//
// Description:
//
//	The resumed sequence starts at the checkpoint's NextStage with the
//	persisted state and continues numbering events from the checkpoint's
//	sequence. Iteration counters are kept, so a run stopped by the
//	recursion limit needs a higher limit to make progress.
//
// Outputs:
//
//	iter.Seq2[*ProgressEvent, error] - The progress sequence. Yields
//	ErrCheckpointNotFound if checkpoints are disabled or missing and
//	ErrRunFinished if the run already reached FINISH.
func (o *Orchestrator) Resume(ctx context.Context, runID string) iter.Seq2[*ProgressEvent, error] {
	return func(yield func(*ProgressEvent, error) bool) {
		if o.checkpointer == nil {
			yield(nil, newStageError(InitialStage, nil, fmt.Errorf("%w: checkpoints disabled", ErrCheckpointNotFound)))
			return
		}
		snap, err := o.checkpointer.Load(ctx, runID)
		if err != nil {
			yield(nil, newStageError(InitialStage, nil, err))
			return
		}
		if snap.IsFinished() {
			yield(nil, newStageError(StageFinish, snap.State, ErrRunFinished))
			return
		}
		if snap.State == nil || !snap.NextStage.IsValid() || snap.NextStage.IsTerminal() {
			yield(nil, newStageError(snap.NextStage, snap.State,
				fmt.Errorf("%w: checkpoint for %s is unusable", ErrInvariantViolation, runID)))
			return
		}
		slog.Info("Resuming run",
			slog.String("run_id", runID),
			slog.String("stage", snap.NextStage.String()),
			slog.Int("iterations", snap.State.Iterations),
		)
		o.drive(ctx, &runCursor{
			runID:     runID,
			stage:     snap.NextStage,
			state:     snap.State,
			sequence:  snap.Sequence,
			createdAt: snap.CreatedAt,
		}, yield)
	}
}

// Execute drains Run and returns the final state.
//
// Outputs:
//
//	*ProjectState - The state after the last completed stage, or nil if
//	                no stage completed
//	error - The fatal error, if any
func (o *Orchestrator) Execute(ctx context.Context, description string) (*ProjectState, error) {
	return drain(o.Run(ctx, description))
}

func drain(seq iter.Seq2[*ProgressEvent, error]) (*ProjectState, error) {
	var last *ProjectState
	for ev, err := range seq {
		if err != nil {
			return last, err
		}
		last = ev.State
	}
	return last, nil
}

// runCursor is the per-run bookkeeping of drive.
type runCursor struct {
	runID     string
	stage     Stage
	state     *ProjectState
	sequence  int
	createdAt time.Time
}

// drive runs stages until FINISH, a fatal error, or the consumer stops.
func (o *Orchestrator) drive(ctx context.Context, cur *runCursor, yield func(*ProgressEvent, error) bool) {
	for !cur.stage.IsTerminal() {
		before := cur.state.Clone()

		ev, err := o.step(ctx, cur)
		if err != nil {
			serr := newStageError(cur.stage, before, err)
			slog.Error("Run failed",
				slog.String("run_id", cur.runID),
				slog.String("stage", cur.stage.String()),
				slog.String("error", serr.Error()),
			)
			o.checkpoint(ctx, cur, cur.stage, before, serr)
			yield(nil, serr)
			return
		}

		o.checkpoint(ctx, cur, ev.Next, cur.state, nil)
		o.notify(ev)
		if !yield(ev, nil) {
			slog.Info("Run stopped by consumer",
				slog.String("run_id", cur.runID),
				slog.String("next", ev.Next.String()),
			)
			return
		}
		cur.stage = ev.Next
	}

	slog.Info("Run finished",
		slog.String("run_id", cur.runID),
		slog.Int("iterations", cur.state.Iterations),
		slog.Int("steps_done", len(cur.state.StepsDone)),
	)
}

// step executes the current stage and decides the next one.
func (o *Orchestrator) step(ctx context.Context, cur *runCursor) (*ProgressEvent, error) {
	state := cur.state
	stage := cur.stage

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCanceled, err)
	}
	if state.Iterations >= o.config.RecursionLimit {
		return nil, fmt.Errorf("%w: %d stage executions", ErrRecursionLimitExceeded, o.config.RecursionLimit)
	}
	if stage == StageRework && o.config.MaxReworksPerStep > 0 && state.ReworkCount >= o.config.MaxReworksPerStep {
		if state.Reimplemented {
			return nil, fmt.Errorf("%w: %d reworks of the current step", ErrReworkLimitExceeded, state.ReworkCount)
		}
		// One fresh attempt at the step, prompted with the failing output.
		slog.Warn("Rework limit reached, re-implementing step",
			slog.String("run_id", cur.runID),
			slog.String("step", state.CurrentStep),
			slog.Int("reworks", state.ReworkCount),
		)
		state.Reimplemented = true
		state.ReworkCount = 0
		stage = StageImplement
		cur.stage = stage
	}

	executor, ok := o.registry.Get(stage)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoStageRegistered, stage)
	}

	slog.Info("Executing stage",
		slog.String("run_id", cur.runID),
		slog.String("stage", stage.String()),
		slog.String("executor", executor.Name()),
		slog.Int("iteration", state.Iterations),
	)

	stageCtx, end := o.instr.StartStage(ctx, cur.runID, stage)
	start := o.now()
	output, err := executor.Execute(stageCtx, state)
	duration := o.now().Sub(start)
	end(err)
	state.Iterations++

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrCanceled) {
			return nil, fmt.Errorf("%w: %v", ErrCanceled, err)
		}
		return nil, err
	}

	edge, next, err := o.table.Next(stage, state)
	if err != nil {
		return nil, err
	}
	if next == StageFinish {
		if err := state.CheckInvariants(); err != nil {
			return nil, err
		}
	}

	slog.Info("Stage transition",
		slog.String("run_id", cur.runID),
		slog.String("from", stage.String()),
		slog.String("to", next.String()),
		slog.String("reason", TransitionReason(edge)),
		slog.Duration("duration", duration),
	)

	cur.sequence++
	return &ProgressEvent{
		ID:        uuid.NewString(),
		RunID:     cur.runID,
		Sequence:  cur.sequence,
		Stage:     stage,
		Edge:      edge,
		Next:      next,
		Iteration: state.Iterations,
		Duration:  duration,
		Timestamp: o.now(),
		Output:    output,
		State:     state.Clone(),
	}, nil
}

// checkpoint saves a snapshot. Failures are logged and do not stop the run.
func (o *Orchestrator) checkpoint(ctx context.Context, cur *runCursor, next Stage, state *ProjectState, runErr error) {
	if o.checkpointer == nil {
		return
	}
	snap := &Snapshot{
		RunID:     cur.runID,
		NextStage: next,
		Sequence:  cur.sequence,
		State:     state.Clone(),
		CreatedAt: cur.createdAt,
		UpdatedAt: o.now(),
	}
	if runErr != nil {
		snap.Error = runErr.Error()
	}
	// A canceled run still gets its final checkpoint.
	saveCtx := context.WithoutCancel(ctx)
	if err := o.checkpointer.Save(saveCtx, snap); err != nil {
		slog.Warn("Checkpoint save failed",
			slog.String("run_id", cur.runID),
			slog.String("error", err.Error()),
		)
	}
}

// notify calls the event handlers, recovering from panics.
func (o *Orchestrator) notify(ev *ProgressEvent) {
	for _, h := range o.handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Event handler panicked",
						slog.String("run_id", ev.RunID),
						slog.Any("panic", r),
					)
				}
			}()
			h(ev)
		}()
	}
}
