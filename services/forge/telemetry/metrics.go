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
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome label values.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

// Metrics contains the Forge instruments.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// StageExecutions counts stage runs by stage and outcome.
	StageExecutions metric.Int64Counter

	// StageDuration records stage duration in seconds by stage.
	StageDuration metric.Float64Histogram

	// ModelCalls counts model completions by provider and outcome.
	ModelCalls metric.Int64Counter

	// ModelRetries counts retried model calls by provider.
	ModelRetries metric.Int64Counter

	// ModelTokens counts tokens by provider and direction.
	ModelTokens metric.Int64Counter

	// TestRuns counts test suite runs by result.
	TestRuns metric.Int64Counter

	// Runs counts finished runs by outcome.
	Runs metric.Int64Counter
}

// NewMetrics registers the Forge instruments on meter.
//
// Inputs:
//
//	meter - The OTel meter, e.g. otel.Meter("aleutian.forge").
//
// Outputs:
//
//	*Metrics - The instruments.
//	error - Non-nil if registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.StageExecutions, err = meter.Int64Counter(
		"forge_stage_executions_total",
		metric.WithDescription("Stage executions by stage and outcome"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, fmt.Errorf("create stage_executions_total: %w", err)
	}

	if m.StageDuration, err = meter.Float64Histogram(
		"forge_stage_duration_seconds",
		metric.WithDescription("Stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600),
	); err != nil {
		return nil, fmt.Errorf("create stage_duration_seconds: %w", err)
	}

	if m.ModelCalls, err = meter.Int64Counter(
		"forge_model_calls_total",
		metric.WithDescription("Model completions by provider and outcome"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, fmt.Errorf("create model_calls_total: %w", err)
	}

	if m.ModelRetries, err = meter.Int64Counter(
		"forge_model_retries_total",
		metric.WithDescription("Retried model calls"),
		metric.WithUnit("{retry}"),
	); err != nil {
		return nil, fmt.Errorf("create model_retries_total: %w", err)
	}

	if m.ModelTokens, err = meter.Int64Counter(
		"forge_model_tokens_total",
		metric.WithDescription("Model tokens by provider and direction"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("create model_tokens_total: %w", err)
	}

	if m.TestRuns, err = meter.Int64Counter(
		"forge_test_runs_total",
		metric.WithDescription("Test suite runs by result"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, fmt.Errorf("create test_runs_total: %w", err)
	}

	if m.Runs, err = meter.Int64Counter(
		"forge_runs_total",
		metric.WithDescription("Finished runs by outcome"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, fmt.Errorf("create runs_total: %w", err)
	}

	return m, nil
}

// RecordStage records one stage execution.
func (m *Metrics) RecordStage(ctx context.Context, stage, outcome string, d time.Duration) {
	m.StageExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordTestRun records one test suite run.
func (m *Metrics) RecordTestRun(ctx context.Context, passed bool) {
	result := "failed"
	if passed {
		result = "passed"
	}
	m.TestRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(ctx context.Context, outcome string) {
	m.Runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
