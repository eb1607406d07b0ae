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
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianForge/services/forge/agent"
	"github.com/AleutianAI/AleutianForge/services/forge/checkpoint"
)

// RunRequest starts a run, or resumes one when Resume is set.
type RunRequest struct {
	Description string `json:"description"`
	Resume      string `json:"resume,omitempty"`
}

// ErrorResponse is the JSON body of a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStartRun streams a new run as Server-Sent Events.
func (s *Server) handleStartRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: agent.ErrEmptyDescription.Error()})
		return
	}
	if !s.acquire() {
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "too many runs in progress"})
		return
	}
	defer s.release()

	runID := uuid.NewString()
	ctx := c.Request.Context()
	sink, ok := s.openSSE(c)
	if !ok {
		return
	}
	slog.Info("Run requested", slog.String("run_id", runID))
	_ = s.streamRun(ctx, runID, req.Description,
		s.deps.Orchestrator.RunWithID(ctx, runID, req.Description), sink)
}

// handleResumeRun streams the continuation of a checkpointed run.
func (s *Server) handleResumeRun(c *gin.Context) {
	runID := c.Param("id")
	ctx := c.Request.Context()

	snap, err := s.deps.Store.Load(ctx, runID)
	if err != nil {
		s.loadError(c, runID, err)
		return
	}
	if snap.IsFinished() {
		c.JSON(http.StatusConflict, ErrorResponse{Error: agent.ErrRunFinished.Error()})
		return
	}
	if !s.acquire() {
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "too many runs in progress"})
		return
	}
	defer s.release()

	sink, ok := s.openSSE(c)
	if !ok {
		return
	}
	description := ""
	if snap.State != nil {
		description = snap.State.SoftwareDescription
	}
	_ = s.streamRun(ctx, runID, description, s.deps.Orchestrator.Resume(ctx, runID), sink)
}

func (s *Server) openSSE(c *gin.Context) (FrameSink, bool) {
	SetSSEHeaders(c.Writer)
	sink, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "streaming not supported"})
		return nil, false
	}
	c.Status(http.StatusOK)
	return sink, true
}

// handleListRuns returns checkpoint summaries, newest first.
func (s *Server) handleListRuns(c *gin.Context) {
	runs, err := s.deps.Store.List(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list runs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list runs"})
		return
	}
	if runs == nil {
		runs = []checkpoint.Summary{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// handleGetRun returns a run's latest snapshot.
func (s *Server) handleGetRun(c *gin.Context) {
	runID := c.Param("id")
	snap, err := s.deps.Store.Load(c.Request.Context(), runID)
	if err != nil {
		s.loadError(c, runID, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleRunEvents returns the lifecycle events buffered for a run.
func (s *Server) handleRunEvents(c *gin.Context) {
	history := s.emitter.History(c.Param("id"))
	if len(history) == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no events for run"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": history})
}

func (s *Server) loadError(c *gin.Context, runID string, err error) {
	if errors.Is(err, agent.ErrCheckpointNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "run not found"})
		return
	}
	slog.Error("Failed to load run",
		slog.String("run_id", runID),
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load run"})
}

// handleWebSocket serves runs over a WebSocket.
//
// Description:
//
//	Each RunRequest message starts (or resumes) one run and streams its
//	frames back. Requests on one connection are handled in order. The
//	connection stays open until the client closes it.
func (s *Server) handleWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()
	sink := newWSWriter(ws)
	ctx := c.Request.Context()

	for {
		var req RunRequest
		if err := ws.ReadJSON(&req); err != nil {
			slog.Info("Websocket client disconnected", slog.String("error", err.Error()))
			return
		}

		runID := req.Resume
		if runID == "" && strings.TrimSpace(req.Description) == "" {
			if err := sink.WriteFrame(Frame{Type: FrameError, Error: agent.ErrEmptyDescription.Error()}); err != nil {
				return
			}
			continue
		}
		if !s.acquire() {
			if err := sink.WriteFrame(Frame{Type: FrameError, RunID: runID, Error: "too many runs in progress"}); err != nil {
				return
			}
			continue
		}

		var werr error
		if runID != "" {
			werr = s.streamRun(ctx, runID, "", s.deps.Orchestrator.Resume(ctx, runID), sink)
		} else {
			runID = uuid.NewString()
			werr = s.streamRun(ctx, runID, req.Description,
				s.deps.Orchestrator.RunWithID(ctx, runID, req.Description), sink)
		}
		s.release()

		var se *agent.StageError
		if werr != nil && !errors.As(werr, &se) {
			return
		}
	}
}
