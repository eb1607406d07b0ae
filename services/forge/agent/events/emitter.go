// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianForge/services/forge/agent"
)

// Handler processes events.
type Handler func(event *Event)

// Filter determines if an event should be handled.
type Filter func(event *Event) bool

// Subscription is a registered handler.
type Subscription struct {
	ID      string
	Handler Handler
	Filter  Filter
	Types   []Type
}

// Emitter broadcasts events to subscribers and keeps a bounded history.
//
// Description:
//
//	Handlers run synchronously on the emitting goroutine. Handler panics
//	are recovered and logged so one subscriber cannot break a run.
//
// Thread Safety: Emitter is safe for concurrent use.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	buffer        []Event
	bufferSize    int
	now           func() time.Time
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithBufferSize sets how many events are kept for History.
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		if size > 0 {
			e.bufferSize = size
		}
	}
}

// NewEmitter creates an emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    1000,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.buffer = make([]Event, 0, e.bufferSize)
	return e
}

// Subscribe registers handler for the given types (none = all types).
//
// Outputs:
//
//	string - Subscription ID for Unsubscribe
func (e *Emitter) Subscribe(handler Handler, types ...Type) string {
	return e.SubscribeWithFilter(handler, nil, types...)
}

// SubscribeRun registers handler for the events of a single run.
func (e *Emitter) SubscribeRun(runID string, handler Handler, types ...Type) string {
	return e.SubscribeWithFilter(handler, func(ev *Event) bool { return ev.RunID == runID }, types...)
}

// SubscribeWithFilter registers handler with a custom filter.
func (e *Emitter) SubscribeWithFilter(handler Handler, filter Filter, types ...Type) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.NewString(),
		Handler: handler,
		Filter:  filter,
		Types:   types,
	}
	e.subscriptions[sub.ID] = sub
	return sub.ID
}

// Unsubscribe removes a subscription. Returns false if it did not exist.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscriptions[id]; ok {
		delete(e.subscriptions, id)
		return true
	}
	return false
}

// RunStarted emits a run_start event.
func (e *Emitter) RunStarted(runID, description string) {
	e.emit(Event{Type: TypeRunStarted, RunID: runID, Description: description})
}

// Progress emits a progress event. It has the agent.EventHandler signature
// so it can be passed to agent.WithEventHandler directly.
func (e *Emitter) Progress(ev *agent.ProgressEvent) {
	if ev == nil {
		return
	}
	e.emit(Event{Type: TypeProgress, RunID: ev.RunID, Progress: ev})
}

// RunFinished emits a run_finish event.
func (e *Emitter) RunFinished(runID string) {
	e.emit(Event{Type: TypeRunFinished, RunID: runID})
}

// RunFailed emits a run_error event.
func (e *Emitter) RunFailed(runID string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	e.emit(Event{Type: TypeRunFailed, RunID: runID, Error: msg})
}

func (e *Emitter) emit(event Event) {
	event.ID = uuid.NewString()
	event.Timestamp = e.now()

	e.mu.Lock()
	if len(e.buffer) >= e.bufferSize {
		e.buffer = e.buffer[1:]
	}
	e.buffer = append(e.buffer, event)
	subs := make([]*Subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	for _, sub := range subs {
		if shouldHandle(sub, &event) {
			safeInvoke(sub.Handler, &event)
		}
	}
}

func safeInvoke(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				slog.String("event_type", string(event.Type)),
				slog.String("event_id", event.ID),
				slog.Any("panic", r),
			)
		}
	}()
	handler(event)
}

func shouldHandle(sub *Subscription, event *Event) bool {
	if len(sub.Types) > 0 && !slices.Contains(sub.Types, event.Type) {
		return false
	}
	if sub.Filter != nil && !sub.Filter(event) {
		return false
	}
	return true
}

// History returns buffered events for runID in emission order.
// An empty runID returns every buffered event.
func (e *Emitter) History(runID string) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Event
	for _, ev := range e.buffer {
		if runID == "" || ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out
}

// SubscriptionCount returns the number of active subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}
