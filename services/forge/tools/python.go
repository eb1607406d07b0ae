// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// ManifestName is the requirements manifest file name.
const ManifestName = "requirements.txt"

// PythonEnvironment implements Environment with venv and pip.
type PythonEnvironment struct {
	fs             FileSystem
	runner         CommandRunner
	python         string
	installTimeout time.Duration
}

// PythonOption configures a PythonEnvironment.
type PythonOption func(*PythonEnvironment)

// WithPythonInterpreter sets the interpreter used to create environments.
func WithPythonInterpreter(python string) PythonOption {
	return func(p *PythonEnvironment) {
		if python != "" {
			p.python = python
		}
	}
}

// WithInstallTimeout bounds each pip install.
func WithInstallTimeout(d time.Duration) PythonOption {
	return func(p *PythonEnvironment) {
		p.installTimeout = d
	}
}

// WithCommandRunner replaces the process runner.
func WithCommandRunner(r CommandRunner) PythonOption {
	return func(p *PythonEnvironment) {
		if r != nil {
			p.runner = r
		}
	}
}

// NewPythonEnvironment creates an Environment that writes manifests
// through fs.
func NewPythonEnvironment(fs FileSystem, opts ...PythonOption) *PythonEnvironment {
	p := &PythonEnvironment{
		fs:             fs,
		runner:         ExecRunner{},
		python:         "python3",
		installTimeout: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// InterpreterPath returns the interpreter inside a venv directory.
func InterpreterPath(venvPath string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venvPath, "Scripts", "python.exe")
	}
	return filepath.Join(venvPath, "bin", "python")
}

// CreateVirtualEnvironment implements Environment.
func (p *PythonEnvironment) CreateVirtualEnvironment(ctx context.Context, path string) (string, error) {
	cmd := Command{Name: p.python, Args: []string{"-m", "venv", path}}
	if err := p.mustSucceed(ctx, cmd); err != nil {
		return "", err
	}
	slog.Info("Created virtual environment", slog.String("path", path))
	return InterpreterPath(path), nil
}

// WriteRequirementsManifest implements Environment.
//
// Requirements are written one per line in the given order. The manifest
// is created on first use and updated afterwards.
func (p *PythonEnvironment) WriteRequirementsManifest(ctx context.Context, projectPath string, requirements []string) (string, error) {
	return writeManifest(ctx, p.fs, projectPath, requirements)
}

// InstallRequirements implements Environment.
func (p *PythonEnvironment) InstallRequirements(ctx context.Context, runtimePath, manifestPath string) error {
	if p.installTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.installTimeout)
		defer cancel()
	}
	cmd := Command{
		Dir:  filepath.Dir(manifestPath),
		Name: runtimePath,
		Args: []string{"-m", "pip", "install", "--disable-pip-version-check", "-r", manifestPath},
	}
	return p.mustSucceed(ctx, cmd)
}

func (p *PythonEnvironment) mustSucceed(ctx context.Context, cmd Command) error {
	res, err := p.runner.Run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("run %s: %w", cmd, err)
	}
	if res.TimedOut {
		return &ProcessError{Command: cmd.String(), ExitCode: -1, Output: "timed out after " + res.Duration.String()}
	}
	if res.ExitCode != 0 {
		return &ProcessError{Command: cmd.String(), ExitCode: res.ExitCode, Output: res.Stdout + res.Stderr}
	}
	return nil
}

// ManifestContent renders requirements one per line with a trailing newline.
func ManifestContent(requirements []string) string {
	if len(requirements) == 0 {
		return ""
	}
	return strings.Join(requirements, "\n") + "\n"
}

func writeManifest(ctx context.Context, fs FileSystem, projectPath string, requirements []string) (string, error) {
	path := filepath.Join(projectPath, ManifestName)
	content := ManifestContent(requirements)
	err := fs.UpdateFile(ctx, path, content)
	if err == nil {
		return path, nil
	}
	if !isNotFound(err) {
		return "", err
	}
	if err := fs.CreateFile(ctx, path, content); err != nil {
		return "", err
	}
	return path, nil
}
