// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianForge/services/forge/agent"
	"github.com/AleutianAI/AleutianForge/services/forge/agent/llm"
)

// InstrumentationName names the Forge tracer and meter.
const InstrumentationName = "aleutian.forge"

// Outcome classifies err as ok, canceled or error.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, agent.ErrCanceled), errors.Is(err, context.Canceled):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}

// StageInstrumentation implements agent.Instrumentation with one span
// per stage, named forge.stage.<stage> in lowercase, and the stage metrics.
//
// Thread Safety: Safe for concurrent use.
type StageInstrumentation struct {
	tracer  trace.Tracer
	metrics *Metrics
	now     func() time.Time
}

var _ agent.Instrumentation = (*StageInstrumentation)(nil)

// NewStageInstrumentation creates stage instrumentation. A nil tracer
// uses the global provider; nil metrics records spans only.
func NewStageInstrumentation(tracer trace.Tracer, metrics *Metrics) *StageInstrumentation {
	if tracer == nil {
		tracer = otel.Tracer(InstrumentationName)
	}
	return &StageInstrumentation{tracer: tracer, metrics: metrics, now: time.Now}
}

// StartStage implements agent.Instrumentation.
func (s *StageInstrumentation) StartStage(ctx context.Context, runID string, stage agent.Stage) (context.Context, func(error)) {
	start := s.now()
	name := strings.ToLower(string(stage))
	ctx, span := s.tracer.Start(ctx, "forge.stage."+name,
		trace.WithAttributes(
			attribute.String("forge.run_id", runID),
			attribute.String("forge.stage", name),
		),
	)
	return ctx, func(err error) {
		outcome := Outcome(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(attribute.String("forge.outcome", outcome))
		span.End()
		if s.metrics != nil {
			s.metrics.RecordStage(context.WithoutCancel(ctx), name, outcome, s.now().Sub(start))
		}
	}
}

// ModelObserver implements llm.CallObserver with the model metrics.
type ModelObserver struct {
	metrics *Metrics
}

var _ llm.CallObserver = (*ModelObserver)(nil)

// NewModelObserver creates an observer recording into metrics.
func NewModelObserver(metrics *Metrics) *ModelObserver {
	return &ModelObserver{metrics: metrics}
}

// ModelCall implements llm.CallObserver.
func (o *ModelObserver) ModelCall(provider string, _ time.Duration, resp *llm.Response, err error) {
	ctx := context.Background()
	o.metrics.ModelCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", Outcome(err)),
	))
	if resp != nil {
		o.metrics.ModelTokens.Add(ctx, int64(resp.InputTokens), metric.WithAttributes(
			attribute.String("provider", provider), attribute.String("direction", "input")))
		o.metrics.ModelTokens.Add(ctx, int64(resp.OutputTokens), metric.WithAttributes(
			attribute.String("provider", provider), attribute.String("direction", "output")))
	}
}

// ModelRetry implements llm.CallObserver.
func (o *ModelObserver) ModelRetry(provider string, _ int, _ error) {
	o.metrics.ModelRetries.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// EventHandler returns an orchestrator event handler that counts test
// runs from Test stage events.
func (m *Metrics) EventHandler() agent.EventHandler {
	return func(ev *agent.ProgressEvent) {
		if ev == nil || ev.Stage != agent.StageTest {
			return
		}
		m.RecordTestRun(context.Background(), ev.Edge != agent.EdgeTestsFailed)
	}
}
