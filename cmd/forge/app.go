// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianForge/services/forge/agent"
	agentllm "github.com/AleutianAI/AleutianForge/services/forge/agent/llm"
	"github.com/AleutianAI/AleutianForge/services/forge/agent/stages"
	"github.com/AleutianAI/AleutianForge/services/forge/checkpoint"
	"github.com/AleutianAI/AleutianForge/services/forge/telemetry"
	"github.com/AleutianAI/AleutianForge/services/forge/tools"
	providers "github.com/AleutianAI/AleutianForge/services/llm"
)

// telemetryShutdownTimeout bounds the final exporter flush.
const telemetryShutdownTimeout = 5 * time.Second

// openTelemetry initializes the exporters and the Forge metrics.
func (o *rootOptions) openTelemetry(ctx context.Context) (*telemetry.Metrics, error) {
	shutdown, err := telemetry.Init(ctx, o.cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	o.onClose(func() {
		sctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			slog.Warn("Telemetry shutdown failed", slog.String("error", err.Error()))
		}
	})
	return telemetry.NewMetrics(otel.Meter(telemetry.InstrumentationName))
}

// openStore opens the checkpoint store at the configured path.
func (o *rootOptions) openStore() (*checkpoint.Store, error) {
	cfg := checkpoint.DefaultConfig(o.cfg.Checkpoint.Path)
	store, err := checkpoint.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	o.onClose(func() { _ = store.Close() })
	return store, nil
}

// newModelClient builds the provider client for the model section.
var newModelClient = func(cfg providers.Config) (agentllm.Client, error) {
	return providers.New(cfg)
}

// buildOrchestrator wires the model, the local capabilities, the stages
// and the observability hooks into an Orchestrator.
func (o *rootOptions) buildOrchestrator(store *checkpoint.Store, metrics *telemetry.Metrics, handlers ...agent.EventHandler) (*agent.Orchestrator, error) {
	client, err := newModelClient(o.cfg.ProviderConfig())
	if err != nil {
		return nil, err
	}
	invoker := agentllm.NewInvoker(client,
		agentllm.WithInvokerConfig(o.cfg.InvokerOptions()),
		agentllm.WithCallObserver(telemetry.NewModelObserver(metrics)),
	)

	fs, err := tools.NewLocalFileSystem(o.cfg.Stages.WorkDir)
	if err != nil {
		return nil, err
	}
	stageOpts := o.cfg.StageOptions()
	stageOpts.WorkDir = fs.Root()

	registry, err := stages.NewRegistry(&stages.Dependencies{
		Invoker: invoker,
		FS:      fs,
		Env: tools.NewPythonEnvironment(fs,
			tools.WithPythonInterpreter(o.cfg.Python.Interpreter),
			tools.WithInstallTimeout(o.cfg.Python.InstallTimeout),
		),
		Tests:   tools.NewPytestRunner(stageOpts.TestTimeout, tools.ExecRunner{}),
		Options: stageOpts,
	})
	if err != nil {
		return nil, err
	}

	opts := []agent.OrchestratorOption{
		agent.WithConfig(o.cfg.OrchestratorConfig()),
		agent.WithCheckpointer(store),
		agent.WithInstrumentation(telemetry.NewStageInstrumentation(nil, metrics)),
		agent.WithEventHandler(metrics.EventHandler()),
	}
	for _, h := range handlers {
		opts = append(opts, agent.WithEventHandler(h))
	}

	slog.Info("Forge ready",
		slog.String("provider", client.Name()),
		slog.String("model", client.Model()),
		slog.String("workdir", fs.Root()),
	)
	return agent.NewOrchestrator(registry, opts...)
}

// printRun renders seq with the printer and returns the run's error.
//
// Description:
//
//	Each event is printed as it arrives. A finished run prints the
//	summary, a failed one prints the failure with a resume hint. The
//	outcome is recorded in metrics either way.
func (o *rootOptions) printRun(ctx context.Context, runID string, seq iter.Seq2[*agent.ProgressEvent, error], metrics *telemetry.Metrics) error {
	var last *agent.ProgressEvent
	for ev, err := range seq {
		if err != nil {
			metrics.RecordRun(context.WithoutCancel(ctx), telemetry.Outcome(err))
			if perr := o.printer.Failure(runID, err); perr != nil {
				return err
			}
			return &reportedError{err: err}
		}
		last = ev
		if err := o.printer.Event(ev); err != nil {
			slog.Warn("Failed to print event", slog.String("error", err.Error()))
		}
	}
	metrics.RecordRun(context.WithoutCancel(ctx), telemetry.OutcomeOK)
	if last == nil {
		return nil
	}
	return o.printer.Summary(runID, last.State)
}
