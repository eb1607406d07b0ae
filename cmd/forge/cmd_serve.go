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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianForge/services/forge/agent/events"
	"github.com/AleutianAI/AleutianForge/services/forge/server"
	"github.com/AleutianAI/AleutianForge/services/forge/telemetry"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Forge HTTP service",
		Long: `Serve exposes runs over HTTP. POST /v1/forge/runs streams a run as
server-sent events, GET /v1/forge/runs/ws accepts runs over a WebSocket and
/metrics serves Prometheus metrics.

The checkpoint store is locked while the service runs, so forge run and
forge resume must be pointed at a different --config or stopped first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg.Server
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			ctx := cmd.Context()
			metrics, err := opts.openTelemetry(ctx)
			if err != nil {
				return err
			}
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			orch, err := opts.buildOrchestrator(store, metrics)
			if err != nil {
				return err
			}
			srv, err := server.New(cfg, server.Dependencies{
				Orchestrator:   orch,
				Store:          store,
				Emitter:        events.NewEmitter(),
				Metrics:        metrics,
				MetricsHandler: telemetry.MetricsHandler(),
			})
			if err != nil {
				return err
			}
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from config, 12220)")
	return cmd
}
