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
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianForge/cmd/forge/config"
	"github.com/AleutianAI/AleutianForge/pkg/logging"
)

// runFlags are the per-run overrides of the config file.
type runFlags struct {
	workDir        string
	recursionLimit int
	maxReworks     int
	provider       string
	model          string
}

func (f *runFlags) register(cmd *cobra.Command, withModel bool) {
	fl := cmd.Flags()
	fl.IntVar(&f.recursionLimit, "recursion-limit", 0, "maximum stage executions for the run")
	fl.IntVar(&f.maxReworks, "max-reworks", 0, "maximum consecutive reworks of one step (0 = no cap)")
	if !withModel {
		return
	}
	fl.StringVar(&f.workDir, "workdir", "", "directory where the project folder is created")
	fl.StringVar(&f.provider, "provider", "", "model provider: openai, anthropic or ollama")
	fl.StringVar(&f.model, "model", "", "model name (default: provider default)")
}

// apply copies the flags the user set onto cfg and revalidates it.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.ForgeConfig) error {
	changed := cmd.Flags().Changed
	if changed("workdir") {
		cfg.Stages.WorkDir = logging.ExpandHome(f.workDir)
	}
	if changed("recursion-limit") {
		cfg.Agent.RecursionLimit = f.recursionLimit
	}
	if changed("max-reworks") {
		cfg.Agent.MaxReworksPerStep = f.maxReworks
	}
	if changed("provider") {
		cfg.SetProvider(f.provider, os.Getenv)
	}
	if changed("model") {
		cfg.Model.Name = f.model
	}
	return cfg.Validate()
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [description]",
		Short: "Generate a project from a software description",
		Example: `  forge run "a CLI calculator"
  forge run --provider anthropic --workdir ~/projects "a todo list web API"
  echo "a markdown to HTML converter" | forge run`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.apply(cmd, opts.cfg); err != nil {
				return err
			}
			ctx := cmd.Context()
			description, err := readDescription(ctx, args, os.Stdin)
			if err != nil {
				return err
			}
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

			runID := uuid.NewString()
			return opts.printRun(ctx, runID, orch.RunWithID(ctx, runID, description), metrics)
		},
	}
	flags.register(cmd, true)
	return cmd
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a stopped run from its last checkpoint",
		Long: `Resume continues a run that failed or was interrupted. Iteration counters
are kept, so a run stopped by the recursion limit needs --recursion-limit
raised to make progress.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.apply(cmd, opts.cfg); err != nil {
				return err
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
			return opts.printRun(ctx, args[0], orch.Resume(ctx, args[0]), metrics)
		},
	}
	flags.register(cmd, false)
	return cmd
}
