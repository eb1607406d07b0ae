// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events fans run lifecycle and progress events out to subscribers.
package events

import (
	"time"

	"github.com/AleutianAI/AleutianForge/services/forge/agent"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeRunStarted is emitted before the first stage of a run.
	TypeRunStarted Type = "run_start"

	// TypeProgress is emitted once per completed stage.
	TypeProgress Type = "progress"

	// TypeRunFinished is emitted when a run reaches FINISH.
	TypeRunFinished Type = "run_finish"

	// TypeRunFailed is emitted when a run stops with a fatal error.
	TypeRunFailed Type = "run_error"
)

// Event is a single entry on the event bus.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Type is the event kind.
	Type Type `json:"type"`

	// RunID identifies the run.
	RunID string `json:"run_id"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Description is the software description (run_start only).
	Description string `json:"description,omitempty"`

	// Progress is set for progress events.
	Progress *agent.ProgressEvent `json:"progress,omitempty"`

	// Error is set for run_error events.
	Error string `json:"error,omitempty"`
}
