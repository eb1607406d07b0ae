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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrStreamingUnsupported is returned when a ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("response writer does not support flushing")

// FrameSink delivers run frames to one client.
//
// Description:
//
//	Implemented by the SSE writer and the WebSocket writer so a run is
//	streamed the same way over both transports.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use. The keep-alive
//	goroutine writes while the run goroutine streams frames.
type FrameSink interface {
	// WriteFrame sends one frame.
	WriteFrame(frame Frame) error

	// KeepAlive sends a transport-level ping that carries no frame.
	KeepAlive() error
}

// SetSSEHeaders prepares w for a Server-Sent Events stream.
//
// Must be called before any write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// sseWriter writes frames in the SSE wire format:
//
//	event: {type}
//	data: {json}
//
// Thread Safety: Safe for concurrent use via mutex.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter wraps w. The caller must have called SetSSEHeaders.
//
// Outputs:
//
//	FrameSink - Ready to write frames
//	error - ErrStreamingUnsupported if w cannot flush
func NewSSEWriter(w http.ResponseWriter) (FrameSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// WriteFrame implements FrameSink.
func (w *sseWriter) WriteFrame(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", frame.Type, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// KeepAlive implements FrameSink with an SSE comment line.
func (w *sseWriter) KeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keep-alive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// wsWriter writes frames as WebSocket JSON text messages.
type wsWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSWriter(conn *websocket.Conn) *wsWriter {
	return &wsWriter{conn: conn}
}

// WriteFrame implements FrameSink.
func (w *wsWriter) WriteFrame(frame Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// KeepAlive implements FrameSink with a WebSocket ping control frame.
func (w *wsWriter) KeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

var (
	_ FrameSink = (*sseWriter)(nil)
	_ FrameSink = (*wsWriter)(nil)
)
