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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianForge/cmd/forge/config"
	"github.com/AleutianAI/AleutianForge/pkg/logging"
	"github.com/AleutianAI/AleutianForge/pkg/ux"
	"github.com/AleutianAI/AleutianForge/services/forge/agent"
)

// Exit codes.
const (
	exitOK             = 0
	exitError          = 1
	exitRunFailed      = 2
	exitNonConvergence = 3
	exitCanceled       = 130
)

// errReported marks errors the printer already showed to the user.
var errReported = errors.New("reported")

type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }

func (e *reportedError) Unwrap() []error { return []error{e.err, errReported} }

func isReported(err error) bool {
	return errors.Is(err, errReported)
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, agent.ErrCanceled):
		return exitCanceled
	case errors.Is(err, agent.ErrNonConvergence):
		return exitNonConvergence
	case isReported(err):
		return exitRunFailed
	default:
		return exitError
	}
}

// rootOptions holds the persistent flags and what PersistentPreRunE
// builds from them.
type rootOptions struct {
	configPath string
	logLevel   string
	logDir     string
	jsonLogs   bool
	output     string

	stdout io.Writer

	cfg     *config.ForgeConfig
	logger  *logging.Logger
	printer *ux.Printer
	closers []func()
}

func (o *rootOptions) onClose(f func()) {
	o.closers = append(o.closers, f)
}

// close runs the registered closers in reverse order.
func (o *rootOptions) close() {
	for i := len(o.closers) - 1; i >= 0; i-- {
		o.closers[i]()
	}
	o.closers = nil
}

func newRootCmd() (*cobra.Command, *rootOptions) {
	opts := &rootOptions{stdout: os.Stdout}

	root := &cobra.Command{
		Use:   "forge",
		Short: "Generate a tested Python project from a description",
		Long: `Forge plans a project from a plain-language description, reviews the plan,
scaffolds the project and implements it step by step, running the test suite
after every step and reworking the code until the tests pass.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (default ~/.aleutian/forge.yaml)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&opts.logDir, "log-dir", "", "directory for JSON log files")
	pf.BoolVar(&opts.jsonLogs, "json-logs", false, "write stderr logs as JSON")
	pf.StringVarP(&opts.output, "output", "o", "", "output format: rich, plain or json (default: rich on a terminal)")

	root.AddCommand(
		newRunCmd(opts),
		newResumeCmd(opts),
		newRunsCmd(opts),
		newServeCmd(opts),
	)
	return root, opts
}

// setup loads the config, applies flag overrides and installs the logger.
func (o *rootOptions) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if cmd.Flags().Changed("log-dir") {
		cfg.Logging.Dir = logging.ExpandHome(o.logDir)
	}
	if cmd.Flags().Changed("json-logs") {
		cfg.Logging.JSON = o.jsonLogs
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}

	o.cfg = cfg
	o.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "forge",
		JSON:    cfg.Logging.JSON,
		Output:  os.Stderr,
	})
	slog.SetDefault(o.logger.Slog())
	o.onClose(func() { _ = o.logger.Close() })

	mode, err := outputMode(o.output, o.stdout)
	if err != nil {
		return err
	}
	o.printer = ux.NewPrinter(o.stdout, mode)
	return nil
}

// outputMode resolves the --output flag.
func outputMode(flag string, w io.Writer) (ux.Mode, error) {
	switch ux.Mode(flag) {
	case "":
		if f, ok := w.(*os.File); ok {
			return ux.DetectMode(f), nil
		}
		return ux.ModePlain, nil
	case ux.ModeRich, ux.ModePlain, ux.ModeJSON:
		return ux.Mode(flag), nil
	default:
		return "", fmt.Errorf("unknown output format %q", flag)
	}
}
