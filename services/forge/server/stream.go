// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianForge/services/forge/agent"
	"github.com/AleutianAI/AleutianForge/services/forge/telemetry"
)

// Frame types.
const (
	FrameStart    = "start"
	FrameProgress = "progress"
	FrameDone     = "done"
	FrameError    = "error"
)

// Frame is one message on a run stream.
type Frame struct {
	// Type is start, progress, done or error.
	Type string `json:"type"`

	// RunID identifies the run.
	RunID string `json:"run_id"`

	// Event is set on progress frames.
	Event *agent.ProgressEvent `json:"event,omitempty"`

	// State is the final project state, set on done frames.
	State *agent.ProjectState `json:"state,omitempty"`

	// Error is set on error frames.
	Error string `json:"error,omitempty"`
}

// streamRun drains seq into sink.
//
// Description:
//
//	Sends a start frame, one progress frame per event, and a final done
//	or error frame. A failed write stops consuming seq, which stops the
//	run at the next stage boundary. Lifecycle events go to the emitter
//	and the run outcome to the metrics.
//
// Outputs:
//
//	error - The run's fatal error, or the first write error
func (s *Server) streamRun(ctx context.Context, runID, description string, seq iter.Seq2[*agent.ProgressEvent, error], sink FrameSink) error {
	stop := s.keepAlive(sink)
	defer stop()

	s.emitter.RunStarted(runID, description)
	if err := sink.WriteFrame(Frame{Type: FrameStart, RunID: runID}); err != nil {
		s.finish(ctx, runID, err)
		return err
	}

	var last *agent.ProgressEvent
	for ev, err := range seq {
		if err != nil {
			s.finish(ctx, runID, err)
			if werr := sink.WriteFrame(Frame{Type: FrameError, RunID: runID, Error: err.Error()}); werr != nil {
				slog.Warn("Failed to deliver run error",
					slog.String("run_id", runID),
					slog.String("error", werr.Error()),
				)
			}
			return err
		}
		last = ev
		s.emitter.Progress(ev)
		if werr := sink.WriteFrame(Frame{Type: FrameProgress, RunID: runID, Event: ev}); werr != nil {
			slog.Info("Client went away, stopping run",
				slog.String("run_id", runID),
				slog.String("error", werr.Error()),
			)
			s.finish(ctx, runID, context.Canceled)
			return werr
		}
	}

	s.finish(ctx, runID, nil)
	var state *agent.ProjectState
	if last != nil {
		state = last.State
	}
	return sink.WriteFrame(Frame{Type: FrameDone, RunID: runID, State: state})
}

// finish emits the run's lifecycle end and records its outcome.
func (s *Server) finish(ctx context.Context, runID string, err error) {
	if err != nil {
		s.emitter.RunFailed(runID, err)
	} else {
		s.emitter.RunFinished(runID)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordRun(context.WithoutCancel(ctx), telemetry.Outcome(err))
	}
}

// keepAlive pings sink every KeepAliveInterval until the returned stop
// function is called.
func (s *Server) keepAlive(sink FrameSink) (stop func()) {
	if s.config.KeepAliveInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(s.config.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := sink.KeepAlive(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}
